package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-cas/internal/models"
)

func newTestPresenter(t *testing.T, anchors *mockAnchorRepo, carStore MerkleCarService) *RequestPresenter {
	t.Helper()
	p, err := NewRequestPresenter(anchors, carStore, NewWitnessService(), discardLogger())
	if err != nil {
		t.Fatalf("create presenter: %v", err)
	}
	return p
}

func TestPresenter_PendingRequest(t *testing.T) {
	p := newTestPresenter(t, newMockAnchorRepo(), NewInMemoryMerkleCarService())
	req := makeRequest(t, "present-pending", time.Now().UTC())
	req.Status = models.StatusPending
	req.Message = models.MessagePending

	pres, err := p.Present(context.Background(), req)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if pres.Status != "PENDING" {
		t.Errorf("status = %q", pres.Status)
	}
	if pres.AnchorCommit != nil || pres.WitnessCAR != nil {
		t.Errorf("pending requests carry no anchor data")
	}
	if pres.ID != req.ID || pres.CID != req.CID || pres.StreamID != req.StreamID {
		t.Errorf("identity fields not copied: %+v", pres)
	}
}

func TestPresenter_ReplacedRendersAsFailed(t *testing.T) {
	p := newTestPresenter(t, newMockAnchorRepo(), NewInMemoryMerkleCarService())
	req := makeRequest(t, "present-replaced", time.Now().UTC())
	req.Status = models.StatusReplaced
	req.Message = models.MessageReplaced

	pres, err := p.Present(context.Background(), req)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if pres.Status != "FAILED" {
		t.Errorf("REPLACED must render as FAILED, got %q", pres.Status)
	}
	if pres.Message != models.MessageReplaced {
		t.Errorf("stored message must stand: %q", pres.Message)
	}
}

func TestPresenter_CompletedWithWitness(t *testing.T) {
	ctx := context.Background()
	batch := buildTestBatch(t, 3)

	carStore := NewInMemoryMerkleCarService()
	if err := carStore.StoreCarFile(ctx, batch.proofCID.String(), batch.car); err != nil {
		t.Fatalf("store archive: %v", err)
	}

	req := makeRequest(t, "present-completed", time.Now().UTC())
	req.Status = models.StatusCompleted
	req.CID = batch.tips[0].String()

	anchors := newMockAnchorRepo()
	anchorCID := batch.anchorCIDs[batch.tips[0]]
	anchors.byRequest[req.ID] = &models.Anchor{
		ID:        uuid.New(),
		RequestID: req.ID,
		CID:       anchorCID.String(),
		ProofCID:  batch.proofCID.String(),
	}

	p := newTestPresenter(t, anchors, carStore)
	pres, err := p.Present(ctx, req)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if pres.AnchorCommit == nil || pres.AnchorCommit.CID != anchorCID.String() {
		t.Fatalf("anchor commit missing: %+v", pres.AnchorCommit)
	}
	if len(pres.WitnessCAR) == 0 {
		t.Fatalf("witness CAR missing")
	}

	// A second render should serve the cached witness bytes
	again, err := p.Present(ctx, req)
	if err != nil {
		t.Fatalf("present again: %v", err)
	}
	if string(again.WitnessCAR) != string(pres.WitnessCAR) {
		t.Errorf("cached witness differs")
	}
}

func TestPresenter_CompletedWithoutArchiveDegrades(t *testing.T) {
	req := makeRequest(t, "present-no-archive", time.Now().UTC())
	req.Status = models.StatusCompleted

	anchors := newMockAnchorRepo()
	anchorCID := mustRecordCID(t, map[string]interface{}{"anchor": "orphan"})
	anchors.byRequest[req.ID] = &models.Anchor{
		ID:        uuid.New(),
		RequestID: req.ID,
		CID:       anchorCID.String(),
		ProofCID:  "bafymissingproof",
	}

	p := newTestPresenter(t, anchors, NewInMemoryMerkleCarService())
	pres, err := p.Present(context.Background(), req)
	if err != nil {
		t.Fatalf("a missing archive must degrade, not fail: %v", err)
	}
	if pres.AnchorCommit == nil {
		t.Errorf("anchor pointer should survive a missing archive")
	}
	if pres.WitnessCAR != nil {
		t.Errorf("no witness should be attached without the archive")
	}
}

func TestPresenter_CompletedWithoutAnchorRow(t *testing.T) {
	req := makeRequest(t, "present-no-anchor", time.Now().UTC())
	req.Status = models.StatusCompleted

	p := newTestPresenter(t, newMockAnchorRepo(), NewInMemoryMerkleCarService())
	pres, err := p.Present(context.Background(), req)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if pres.AnchorCommit != nil {
		t.Errorf("no anchor row means no anchor pointer")
	}
}
