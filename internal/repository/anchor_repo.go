package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceramicnetwork/go-cas/internal/models"
)

const anchorColumns = `id, request_id, path, cid, proof_cid, created_at, updated_at`

// AnchorRepository defines the interface for anchor witness data operations.
type AnchorRepository interface {
	// CreateAll persists the anchors of one batch. Re-anchoring a request
	// that already has an anchor is a conflict and skips the row.
	CreateAll(ctx context.Context, anchors []*models.Anchor) error
	FindByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Anchor, error)
	// FindLatestAnchoredTip returns the most recent anchor commit CID for a
	// stream, ignoring anchors created before since.
	FindLatestAnchoredTip(ctx context.Context, streamID string, since time.Time) (string, bool, error)
}

type anchorRepo struct {
	pool *pgxpool.Pool
}

// NewAnchorRepository creates a new anchor repository.
func NewAnchorRepository(pool *pgxpool.Pool) AnchorRepository {
	return &anchorRepo{pool: pool}
}

func (r *anchorRepo) CreateAll(ctx context.Context, anchors []*models.Anchor) error {
	if len(anchors) == 0 {
		return nil
	}
	query := `
		INSERT INTO anchor (id, request_id, path, cid, proof_cid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`

	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, a := range anchors {
			if a.ID == uuid.Nil {
				a.ID = uuid.New()
			}
			if _, err := tx.Exec(ctx, query, a.ID, a.RequestID, a.Path, a.CID, a.ProofCID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *anchorRepo) FindByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Anchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor WHERE request_id = $1`

	var a models.Anchor
	err := r.pool.QueryRow(ctx, query, requestID).Scan(
		&a.ID, &a.RequestID, &a.Path, &a.CID, &a.ProofCID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *anchorRepo) FindLatestAnchoredTip(ctx context.Context, streamID string, since time.Time) (string, bool, error) {
	query := `
		SELECT a.cid
		FROM anchor a
		JOIN request r ON r.id = a.request_id
		WHERE r.stream_id = $1 AND a.created_at >= $2
		ORDER BY a.created_at DESC
		LIMIT 1`

	var tip string
	err := r.pool.QueryRow(ctx, query, streamID, since).Scan(&tip)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tip, true, nil
}
