package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/models"
	"github.com/ceramicnetwork/go-cas/internal/repository"
)

// witnessCacheSize bounds the witness CAR cache by anchor CID.
const witnessCacheSize = 1000

// AnchorCommitInfo is the anchor pointer embedded in a presentation.
type AnchorCommitInfo struct {
	CID string `json:"cid"`
}

// RequestPresentation is the client-facing view of a request. WitnessCAR
// renders as base64 in JSON.
type RequestPresentation struct {
	ID           uuid.UUID         `json:"id"`
	Status       string            `json:"status"`
	CID          string            `json:"cid"`
	StreamID     string            `json:"streamId"`
	Message      string            `json:"message"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	AnchorCommit *AnchorCommitInfo `json:"anchorCommit,omitempty"`
	WitnessCAR   []byte            `json:"witnessCar,omitempty"`
}

// RequestPresenter renders request rows for the API, attaching the witness
// CAR to completed requests when the batch archive is available.
type RequestPresenter struct {
	anchors  repository.AnchorRepository
	carStore MerkleCarService
	witness  WitnessService
	cache    *lru.Cache[string, []byte]
	logger   *slog.Logger
}

// NewRequestPresenter creates a presenter.
func NewRequestPresenter(anchors repository.AnchorRepository, carStore MerkleCarService, witness WitnessService, logger *slog.Logger) (*RequestPresenter, error) {
	cache, err := lru.New[string, []byte](witnessCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create witness cache: %w", err)
	}
	return &RequestPresenter{
		anchors:  anchors,
		carStore: carStore,
		witness:  witness,
		cache:    cache,
		logger:   logger.With("component", "presenter"),
	}, nil
}

// Present renders a request. Witness production is best effort: a missing
// batch archive degrades to a presentation without the CAR.
func (p *RequestPresenter) Present(ctx context.Context, req *models.Request) (*RequestPresentation, error) {
	out := &RequestPresentation{
		ID:        req.ID,
		Status:    req.Status.External(),
		CID:       req.CID,
		StreamID:  req.StreamID,
		Message:   req.Message,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
	if req.Status != models.StatusCompleted {
		return out, nil
	}

	anchor, err := p.anchors.FindByRequestID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return out, nil
	}
	out.AnchorCommit = &AnchorCommitInfo{CID: anchor.CID}

	witness, err := p.buildWitness(ctx, anchor)
	if err != nil {
		p.logger.Warn("witness build failed", "anchor_cid", anchor.CID, "error", err)
		return out, nil
	}
	out.WitnessCAR = witness
	return out, nil
}

func (p *RequestPresenter) buildWitness(ctx context.Context, anchor *models.Anchor) ([]byte, error) {
	if data, ok := p.cache.Get(anchor.CID); ok {
		return data, nil
	}

	merkleCAR, err := p.carStore.RetrieveCarFile(ctx, anchor.ProofCID)
	if err != nil {
		return nil, err
	}
	if merkleCAR == nil {
		return nil, fmt.Errorf("batch archive unavailable for proof %s", anchor.ProofCID)
	}

	anchorCID, err := cid.Decode(anchor.CID)
	if err != nil {
		return nil, fmt.Errorf("stored anchor cid %q: %w", anchor.CID, err)
	}
	witness, err := p.witness.Build(ctx, anchorCID, merkleCAR)
	if err != nil {
		return nil, err
	}
	data, err := witness.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Add(anchor.CID, data)
	return data, nil
}
