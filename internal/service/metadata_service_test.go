package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	"github.com/ceramicnetwork/go-cas/internal/models"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

const testDID = "did:key:z6MkgYGF3thn8k1Fv4p4dWzKtsGAMec3C1CoFiaYdUPcBDQE"

// --- Mock Repositories ---

type mockMetadataRepo struct {
	rows    map[string]*models.Metadata
	saved   map[string]models.StreamMetadata
	touched []string
}

func newMockMetadataRepo() *mockMetadataRepo {
	return &mockMetadataRepo{
		rows:  make(map[string]*models.Metadata),
		saved: make(map[string]models.StreamMetadata),
	}
}

func (m *mockMetadataRepo) Save(ctx context.Context, streamID string, md models.StreamMetadata) error {
	m.saved[streamID] = md
	m.rows[streamID] = &models.Metadata{StreamID: streamID, Metadata: md}
	return nil
}

func (m *mockMetadataRepo) FindByStreamID(ctx context.Context, streamID string) (*models.Metadata, error) {
	return m.rows[streamID], nil
}

func (m *mockMetadataRepo) TouchUsedAt(ctx context.Context, streamID string) error {
	m.touched = append(m.touched, streamID)
	return nil
}

func (m *mockMetadataRepo) DeleteUnused(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type mockRetriever struct {
	blocks map[string]blocks.Block
}

func newMockRetriever() *mockRetriever {
	return &mockRetriever{blocks: make(map[string]blocks.Block)}
}

func (m *mockRetriever) add(b blocks.Block) {
	m.blocks[b.Cid().String()] = b
}

func (m *mockRetriever) RetrieveRecord(ctx context.Context, root cid.Cid, path string) (blocks.Block, error) {
	b, ok := m.blocks[root.String()]
	if !ok {
		return nil, fmt.Errorf("block %s not found", root)
	}
	return b, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genesisBlock(t *testing.T, header map[string]interface{}) blocks.Block {
	t.Helper()
	b, err := ceramic.EncodeRecord(map[string]interface{}{
		"header": header,
		"data":   map[string]interface{}{"hello": "world"},
	})
	if err != nil {
		t.Fatalf("encode genesis: %v", err)
	}
	return b
}

// --- Tests ---

func TestMetadataService_FillNewStream(t *testing.T) {
	repo := newMockMetadataRepo()
	retriever := newMockRetriever()
	svc := NewMetadataService(repo, retriever, discardLogger())

	genesis := genesisBlock(t, map[string]interface{}{
		"controllers": []interface{}{testDID},
		"family":      "orbis",
	})
	retriever.add(genesis)
	streamID := ceramic.StreamID{Type: 0, CID: genesis.Cid()}

	if err := svc.Fill(context.Background(), streamID, nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	md, ok := repo.saved[streamID.String()]
	if !ok {
		t.Fatalf("metadata not saved")
	}
	if len(md.Controllers) != 1 || md.Controllers[0] != testDID {
		t.Errorf("controllers = %v", md.Controllers)
	}
	if md.Family != "orbis" {
		t.Errorf("family = %q", md.Family)
	}
}

func TestMetadataService_FillExistingOnlyTouches(t *testing.T) {
	repo := newMockMetadataRepo()
	streamID := testStreamID(t, "existing-metadata")
	repo.rows[streamID.String()] = &models.Metadata{StreamID: streamID.String()}

	// An empty retriever proves the genesis is never fetched
	svc := NewMetadataService(repo, newMockRetriever(), discardLogger())
	if err := svc.Fill(context.Background(), streamID, nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if len(repo.touched) != 1 || repo.touched[0] != streamID.String() {
		t.Errorf("touched = %v", repo.touched)
	}
	if len(repo.saved) != 0 {
		t.Errorf("existing metadata must not be re-saved")
	}
}

func TestMetadataService_PrefersRequestCAR(t *testing.T) {
	repo := newMockMetadataRepo()
	svc := NewMetadataService(repo, newMockRetriever(), discardLogger())
	ctx := context.Background()

	genesis := genesisBlock(t, map[string]interface{}{
		"controllers": []interface{}{testDID},
	})
	streamID := ceramic.StreamID{Type: 0, CID: genesis.Cid()}

	genesisCAR := car.NewFile(genesis.Cid())
	if err := genesisCAR.Put(ctx, genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	if err := svc.Fill(ctx, streamID, genesisCAR); err != nil {
		t.Fatalf("fill from CAR: %v", err)
	}
	if _, ok := repo.saved[streamID.String()]; !ok {
		t.Errorf("metadata not saved from CAR-shipped genesis")
	}
}

func TestMetadataService_GenesisUnreachable(t *testing.T) {
	svc := NewMetadataService(newMockMetadataRepo(), newMockRetriever(), discardLogger())
	streamID := testStreamID(t, "unreachable-genesis")

	err := svc.Fill(context.Background(), streamID, nil)
	if !apierrors.Is(err, apierrors.KindMetadataUnavailable) {
		t.Fatalf("expected metadata unavailable, got %v", err)
	}
}

func TestMetadataService_DagJOSEGenesis(t *testing.T) {
	repo := newMockMetadataRepo()
	retriever := newMockRetriever()
	svc := NewMetadataService(repo, retriever, discardLogger())

	payload := genesisBlock(t, map[string]interface{}{
		"controllers": []interface{}{testDID},
	})
	retriever.add(payload)

	// Signed envelope: a DAG-JOSE block whose link points at the payload
	envelope, err := ceramic.EncodeRecord(map[string]interface{}{"link": payload.Cid()})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	hash, err := mh.Sum(envelope.RawData(), mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hash envelope: %v", err)
	}
	joseBlock, err := blocks.NewBlockWithCid(envelope.RawData(), cid.NewCidV1(cid.DagJOSE, hash))
	if err != nil {
		t.Fatalf("wrap jose block: %v", err)
	}
	retriever.add(joseBlock)

	streamID := ceramic.StreamID{Type: 0, CID: joseBlock.Cid()}
	if err := svc.Fill(context.Background(), streamID, nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, ok := repo.saved[streamID.String()]; !ok {
		t.Errorf("metadata not saved for signed genesis")
	}
}

func TestValidateGenesisHeader(t *testing.T) {
	model := testStreamID(t, "model-stream").Bytes()

	cases := []struct {
		name    string
		genesis map[string]interface{}
		wantErr bool
		details string
	}{
		{
			name:    "no header",
			genesis: map[string]interface{}{"data": "x"},
			wantErr: true, details: "header",
		},
		{
			name: "valid minimal",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{"controllers": []interface{}{testDID}},
			},
		},
		{
			name: "valid full",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{
					"controllers": []interface{}{testDID},
					"model":       model,
					"family":      "orbis",
					"tags":        []interface{}{"a", "b"},
				},
			},
		},
		{
			name: "no controllers",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{"family": "orbis"},
			},
			wantErr: true, details: "header.controllers",
		},
		{
			name: "two controllers",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{"controllers": []interface{}{testDID, testDID}},
			},
			wantErr: true, details: "header.controllers",
		},
		{
			name: "invalid DID",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{"controllers": []interface{}{"not-a-did"}},
			},
			wantErr: true, details: "header.controllers",
		},
		{
			name: "model not a stream id",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{
					"controllers": []interface{}{testDID},
					"model":       []byte{1, 2, 3},
				},
			},
			wantErr: true, details: "header.model",
		},
		{
			name: "family not a string",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{
					"controllers": []interface{}{testDID},
					"family":      42,
				},
			},
			wantErr: true, details: "header.family",
		},
		{
			name: "tags not strings",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{
					"controllers": []interface{}{testDID},
					"tags":        []interface{}{"a", 1},
				},
			},
			wantErr: true, details: "header.tags",
		},
		{
			name: "schema not a commit id",
			genesis: map[string]interface{}{
				"header": map[string]interface{}{
					"controllers": []interface{}{testDID},
					"schema":      "not-a-commit-id",
				},
			},
			wantErr: true, details: "header.schema",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			md, err := validateGenesisHeader(tc.genesis)
			if tc.wantErr {
				if !apierrors.Is(err, apierrors.KindInvalidGenesis) {
					t.Fatalf("expected invalid genesis, got %v", err)
				}
				if got := apierrors.AsAPIError(err).Details; got != tc.details {
					t.Errorf("details = %v, want %q", got, tc.details)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(md.Controllers) != 1 {
				t.Errorf("controllers = %v", md.Controllers)
			}
		})
	}
}

func TestValidateGenesisHeader_StripsUnknownFields(t *testing.T) {
	md, err := validateGenesisHeader(map[string]interface{}{
		"header": map[string]interface{}{
			"controllers": []interface{}{testDID},
			"unique":      []byte{9, 9, 9},
			"custom":      "ignored",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Family != "" || md.Schema != "" || md.Model != nil || md.Tags != nil {
		t.Errorf("unknown fields leaked into metadata: %+v", md)
	}
}
