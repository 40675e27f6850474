package service

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

// WitnessService builds and verifies witness CARs: the minimal archive
// proving a single anchor commit against the on-chain Merkle root.
type WitnessService interface {
	// Build extracts a witness CAR for the anchor commit from the full
	// batch CAR. The witness root is the anchor commit CID.
	Build(ctx context.Context, anchorCommitCID cid.Cid, merkleCAR *car.File) (*car.File, error)
	// Verify walks a witness CAR from root to leaf and returns the anchor
	// commit CID when every link checks out.
	Verify(ctx context.Context, witness *car.File) (cid.Cid, error)
	// CIDs lists the blocks a minimal witness for this CAR must contain,
	// in traversal order.
	CIDs(ctx context.Context, witness *car.File) ([]cid.Cid, error)
}

type witnessService struct{}

// NewWitnessService creates a witness service.
func NewWitnessService() WitnessService {
	return &witnessService{}
}

func (s *witnessService) Build(ctx context.Context, anchorCommitCID cid.Cid, merkleCAR *car.File) (*car.File, error) {
	walk, err := s.walk(ctx, anchorCommitCID, merkleCAR)
	if err != nil {
		return nil, err
	}
	witness := car.NewFile(anchorCommitCID)
	for _, c := range walk {
		b, err := merkleCAR.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		if err := witness.Put(ctx, b); err != nil {
			return nil, err
		}
	}
	return witness, nil
}

func (s *witnessService) Verify(ctx context.Context, witness *car.File) (cid.Cid, error) {
	roots := witness.Roots()
	if len(roots) != 1 {
		return cid.Undef, apierrors.ErrInvalidWitnessCAR.WithMessage("Witness CAR must have exactly one root")
	}
	if _, err := s.walk(ctx, roots[0], witness); err != nil {
		return cid.Undef, err
	}
	return roots[0], nil
}

func (s *witnessService) CIDs(ctx context.Context, witness *car.File) ([]cid.Cid, error) {
	roots := witness.Roots()
	if len(roots) != 1 {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Witness CAR must have exactly one root")
	}
	return s.walk(ctx, roots[0], witness)
}

// walk traverses anchor commit -> proof -> Merkle root -> path nodes,
// checking that the path lands on the commit's prev link. It returns the
// traversed CIDs in order, the leaf itself excluded.
func (s *witnessService) walk(ctx context.Context, anchorCommitCID cid.Cid, src *car.File) ([]cid.Cid, error) {
	commitBlock, err := src.Get(ctx, anchorCommitCID)
	if err != nil {
		return nil, err
	}
	if commitBlock == nil {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Anchor commit block is missing")
	}
	commit, err := ceramic.DecodeAnchorCommit(commitBlock.RawData())
	if err != nil {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Anchor commit block is malformed").WithCause(err)
	}

	proofBlock, err := src.Get(ctx, commit.Proof)
	if err != nil {
		return nil, err
	}
	if proofBlock == nil {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Anchor proof block is missing")
	}
	proof, err := ceramic.DecodeAnchorProof(proofBlock.RawData())
	if err != nil {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Anchor proof block is malformed").WithCause(err)
	}

	path, err := ceramic.ParsePath(commit.Path)
	if err != nil {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Anchor commit path is malformed").WithCause(err)
	}

	out := []cid.Cid{anchorCommitCID, commit.Proof}

	current := proof.Root
	for i, dir := range path {
		nodeBlock, err := src.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		if nodeBlock == nil {
			if i == 0 {
				return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Merkle root block is missing")
			}
			return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Merkle path node is missing")
		}
		out = append(out, current)

		left, right, err := ceramic.DecodeMerkleNode(nodeBlock.RawData())
		if err != nil {
			return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Merkle node is malformed").WithCause(err)
		}
		next := left
		if dir == ceramic.Right {
			next = right
		}
		if !next.Defined() {
			return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Merkle path leads to a missing link")
		}
		current = next
	}

	if !current.Equals(commit.Prev) {
		return nil, apierrors.ErrInvalidWitnessCAR.WithMessage("Merkle path does not end at the anchored commit")
	}
	return out, nil
}
