package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/merkle"
	"github.com/ceramicnetwork/go-cas/internal/metrics"
	"github.com/ceramicnetwork/go-cas/internal/models"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
	"github.com/ceramicnetwork/go-cas/internal/repository"
)

// anchorTxType names the contract invocation recorded in anchor proofs.
const anchorTxType = "f(bytes32)"

// IpfsAPI is the slice of the IPFS service the anchor pipeline uses.
type IpfsAPI interface {
	StoreRecord(ctx context.Context, v interface{}) (blocks.Block, error)
	RetrieveRecord(ctx context.Context, root cid.Cid, path string) (blocks.Block, error)
	PublishUpdate(ctx context.Context, streamID ceramic.StreamID, tip cid.Cid) error
}

// TransactionSubmitter writes a Merkle root to the blockchain.
type TransactionSubmitter interface {
	SubmitAnchor(ctx context.Context, root cid.Cid) (*models.Transaction, error)
	Chain() string
}

// BatchEventPublisher is notified after a batch lands on chain. Optional.
type BatchEventPublisher interface {
	PublishBatchAnchored(ctx context.Context, proofCID string, requestIDs []string) error
}

// AnchorService runs the core batch pipeline: claim, conflict-resolve,
// Merkle-build, anchor on chain, persist and publish.
type AnchorService interface {
	AnchorRequests(ctx context.Context) error
}

type anchorService struct {
	requests  repository.RequestRepository
	anchors   repository.AnchorRepository
	ipfs      IpfsAPI
	submitter TransactionSubmitter
	carStore  MerkleCarService
	events    BatchEventPublisher
	cfg       config.AnchorConfig
	logger    *slog.Logger
}

// NewAnchorService creates the anchor pipeline. events may be nil.
func NewAnchorService(
	requests repository.RequestRepository,
	anchors repository.AnchorRepository,
	ipfs IpfsAPI,
	submitter TransactionSubmitter,
	carStore MerkleCarService,
	events BatchEventPublisher,
	cfg config.AnchorConfig,
	logger *slog.Logger,
) AnchorService {
	return &anchorService{
		requests:  requests,
		anchors:   anchors,
		ipfs:      ipfs,
		submitter: submitter,
		carStore:  carStore,
		events:    events,
		cfg:       cfg,
		logger:    logger.With("component", "anchor"),
	}
}

func (s *anchorService) AnchorRequests(ctx context.Context) error {
	batch, err := s.requests.FindAndMarkAsProcessing(ctx)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	s.logger.Info("claimed batch", "requests", len(batch))

	candidates, err := s.findCandidates(ctx, batch)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.logger.Warn("no candidate survived conflict resolution", "requests", len(batch))
		return nil
	}

	// A shrunken batch goes back to PENDING unless a request has already
	// waited past the anchoring delay.
	if len(candidates) < s.cfg.MinStreamCount && !s.batchOverdue(candidates) {
		metrics.CountRevertToPending()
		return s.revert(ctx, candidates)
	}

	batchCAR := car.NewFile()
	store := &carRecordStore{ipfs: s.ipfs, car: batchCAR}

	leaves := make([]cid.Cid, 0, len(candidates))
	byLeaf := make(map[cid.Cid]*models.Candidate, len(candidates))
	for _, c := range candidates {
		leaves = append(leaves, c.TipCID)
		byLeaf[c.TipCID] = c
	}

	tree, err := merkle.Build(ctx, store, leaves, s.cfg.MerkleDepthLimit, nil)
	if err != nil {
		if errors.Is(err, merkle.ErrDepthLimit) {
			return apierrors.ErrMerkleDepth.WithCause(err)
		}
		return err
	}

	tx, err := s.submitter.SubmitAnchor(ctx, tree.Root())
	if err != nil {
		metrics.CountEthError()
		if revertErr := s.revert(ctx, candidates); revertErr != nil {
			s.logger.Error("revert after transaction failure failed", "error", revertErr)
		}
		return err
	}

	proof := ceramic.AnchorProof{
		Root:    tree.Root(),
		ChainID: tx.Chain,
		TxHash:  common.HexToHash(tx.TxHash).Bytes(),
		TxType:  anchorTxType,
	}
	proofBlock, err := s.ipfs.StoreRecord(ctx, &proof)
	if err != nil {
		return err
	}
	if err := batchCAR.Put(ctx, proofBlock); err != nil {
		return err
	}
	proofCID := proofBlock.Cid()
	batchCAR.SetRoots(proofCID)

	anchorRows := make([]*models.Anchor, 0, len(candidates))
	for _, leaf := range tree.Leaves() {
		c := byLeaf[leaf]
		path, _ := tree.Path(leaf)

		streamID, err := ceramic.ParseStreamID(c.StreamID)
		if err != nil {
			return fmt.Errorf("stored stream id %q: %w", c.StreamID, err)
		}
		commit := ceramic.AnchorCommit{
			ID:    streamID.CID,
			Prev:  c.TipCID,
			Proof: proofCID,
			Path:  path,
		}
		commitBlock, err := s.ipfs.StoreRecord(ctx, &commit)
		if err != nil {
			return err
		}
		if err := batchCAR.Put(ctx, commitBlock); err != nil {
			return err
		}
		c.AnchorCID = commitBlock.Cid()
		c.ProofCID = proofCID
		c.Path = path

		anchorRows = append(anchorRows, &models.Anchor{
			RequestID: c.Tip.ID,
			Path:      path,
			CID:       c.AnchorCID.String(),
			ProofCID:  proofCID.String(),
		})
	}

	if err := s.anchors.CreateAll(ctx, anchorRows); err != nil {
		return err
	}
	completedIDs := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		completedIDs = append(completedIDs, c.Tip.ID)
	}
	if err := s.requests.UpdateRequests(ctx, models.StatusCompleted, models.MessageCompleted, completedIDs); err != nil {
		return err
	}
	metrics.CountBatchAnchored()
	metrics.CountAnchorsCreated(len(anchorRows))

	for _, c := range candidates {
		streamID, err := ceramic.ParseStreamID(c.StreamID)
		if err != nil {
			continue
		}
		if err := s.ipfs.PublishUpdate(ctx, streamID, c.AnchorCID); err != nil {
			s.logger.Warn("pubsub update failed", "stream", c.StreamID, "error", err)
		}
	}

	if err := s.carStore.StoreCarFile(ctx, proofCID.String(), batchCAR); err != nil {
		s.logger.Error("merkle car store failed", "proof_cid", proofCID.String(), "error", err)
	}

	if s.events != nil {
		ids := make([]string, 0, len(completedIDs))
		for _, id := range completedIDs {
			ids = append(ids, id.String())
		}
		if err := s.events.PublishBatchAnchored(ctx, proofCID.String(), ids); err != nil {
			s.logger.Warn("batch event publish failed", "error", err)
		}
	}

	s.logger.Info("batch anchored",
		"candidates", len(candidates), "root", tree.Root().String(),
		"proof_cid", proofCID.String(), "tx", tx.TxHash)
	return nil
}

// findCandidates groups the batch by stream and resolves conflicts within
// each group. Rejected requests are marked FAILED immediately.
func (s *anchorService) findCandidates(ctx context.Context, batch []*models.Request) ([]*models.Candidate, error) {
	groups := make(map[string]*models.Candidate)
	order := make([]string, 0)
	for _, req := range batch {
		c, ok := groups[req.StreamID]
		if !ok {
			c = &models.Candidate{StreamID: req.StreamID}
			groups[req.StreamID] = c
			order = append(order, req.StreamID)
		}
		c.Requests = append(c.Requests, req)
	}

	var (
		candidates  []*models.Candidate
		unreachable []uuid.UUID
		conflicted  []uuid.UUID
	)
	for _, streamID := range order {
		c := groups[streamID]
		s.selectTip(ctx, c)

		for _, rejected := range c.Rejected {
			if rejected.Message == models.MessageCommitUnloadble {
				unreachable = append(unreachable, rejected.ID)
				metrics.CountCandidateRejected(metrics.ReasonUnreachable)
			} else {
				conflicted = append(conflicted, rejected.ID)
				metrics.CountCandidateRejected(metrics.ReasonConflict)
			}
		}
		if c.Tip != nil {
			candidates = append(candidates, c)
		}
	}

	if err := s.requests.UpdateRequests(ctx, models.StatusFailed, models.MessageCommitUnloadble, unreachable); err != nil {
		return nil, err
	}
	if err := s.requests.UpdateRequests(ctx, models.StatusFailed, models.MessageConflict, conflicted); err != nil {
		return nil, err
	}
	return candidates, nil
}

// selectTip picks the request to anchor for one stream: among requests
// whose tip commit is loadable, the most recent client timestamp wins,
// with tip CID bytes as the tiebreak. Everything else is rejected.
func (s *anchorService) selectTip(ctx context.Context, c *models.Candidate) {
	type loaded struct {
		req *models.Request
		tip cid.Cid
	}
	var reachable []loaded

	for _, req := range c.Requests {
		tipCID, err := cid.Decode(req.CID)
		if err != nil {
			// An undecodable tip is not a conflict loser; keep it
			// inside the failure retry window.
			req.Message = models.MessageCommitUnloadble
			c.Rejected = append(c.Rejected, req)
			continue
		}
		if _, err := s.ipfs.RetrieveRecord(ctx, tipCID, ""); err != nil {
			req.Message = models.MessageCommitUnloadble
			c.Rejected = append(c.Rejected, req)
			continue
		}
		reachable = append(reachable, loaded{req: req, tip: tipCID})
	}
	if len(reachable) == 0 {
		return
	}

	sort.Slice(reachable, func(i, j int) bool {
		a, b := reachable[i], reachable[j]
		if !a.req.Timestamp.Equal(b.req.Timestamp) {
			return a.req.Timestamp.After(b.req.Timestamp)
		}
		return bytes.Compare(a.tip.Bytes(), b.tip.Bytes()) > 0
	})

	c.Tip = reachable[0].req
	c.TipCID = reachable[0].tip
	for _, l := range reachable[1:] {
		l.req.Message = models.MessageConflict
		c.Rejected = append(c.Rejected, l.req)
	}
}

// batchOverdue reports whether any candidate request has waited past the
// anchoring delay.
func (s *anchorService) batchOverdue(candidates []*models.Candidate) bool {
	deadline := time.Now().Add(-s.cfg.MaxAnchoringDelay)
	for _, c := range candidates {
		for _, req := range c.Requests {
			if req.CreatedAt.Before(deadline) {
				return true
			}
		}
	}
	return false
}

// revert returns the surviving candidates' requests to PENDING.
func (s *anchorService) revert(ctx context.Context, candidates []*models.Candidate) error {
	var ids []uuid.UUID
	for _, c := range candidates {
		if c.Tip != nil {
			ids = append(ids, c.Tip.ID)
		}
	}
	return s.requests.UpdateRequests(ctx, models.StatusPending, models.MessagePending, ids)
}

// carRecordStore persists Merkle nodes in IPFS and mirrors them into the
// batch CAR as the tree is built.
type carRecordStore struct {
	ipfs IpfsAPI
	car  *car.File
}

func (r *carRecordStore) StoreNode(ctx context.Context, record []interface{}) (cid.Cid, error) {
	b, err := r.ipfs.StoreRecord(ctx, record)
	if err != nil {
		return cid.Undef, err
	}
	if err := r.car.Put(ctx, b); err != nil {
		return cid.Undef, err
	}
	return b.Cid(), nil
}
