// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/models"
)

// requestColumns is the scan order shared by every request query.
const requestColumns = `id, cid, stream_id, status, message, pinned, origin, timestamp, created_at, updated_at`

// RequestRepository defines the interface for anchor request data operations.
type RequestRepository interface {
	// CreateOrFind inserts a fresh request, or returns the existing row when
	// the commit CID was already requested. The bool reports whether a new
	// row was created.
	CreateOrFind(ctx context.Context, fresh models.FreshRequest) (*models.Request, bool, error)
	FindByCID(ctx context.Context, commitCID string) (*models.Request, error)
	// FindAndMarkReady claims the next batch: it picks up to streamLimit
	// streams with anchorable requests and flips their requests to READY,
	// but only once enough streams accumulated or the oldest pending
	// request has waited past the anchoring delay.
	FindAndMarkReady(ctx context.Context, now time.Time) ([]*models.Request, error)
	// FindAndMarkAsProcessing takes over all READY requests, flipping them
	// to PROCESSING for this worker.
	FindAndMarkAsProcessing(ctx context.Context) ([]*models.Request, error)
	// MarkReplaced retires older requests on the same stream that the new
	// request supersedes.
	MarkReplaced(ctx context.Context, req *models.Request) error
	// UpdateRequests sets status and message on the given requests.
	UpdateRequests(ctx context.Context, status models.RequestStatus, message string, ids []uuid.UUID) error
	// MarkPinned records that a request's commits were imported into IPFS.
	MarkPinned(ctx context.Context, ids []uuid.UUID) error
	// FindRequestsToGarbageCollect returns terminal requests untouched for
	// the GC window, skipping streams with any recent activity.
	FindRequestsToGarbageCollect(ctx context.Context, now time.Time) ([]*models.Request, error)
	// DeleteRequests removes the given rows.
	DeleteRequests(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type requestRepo struct {
	pool *pgxpool.Pool
	cfg  config.AnchorConfig
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(pool *pgxpool.Pool, cfg config.AnchorConfig) RequestRepository {
	return &requestRepo{pool: pool, cfg: cfg}
}

func (r *requestRepo) CreateOrFind(ctx context.Context, fresh models.FreshRequest) (*models.Request, bool, error) {
	query := `
		INSERT INTO request (id, cid, stream_id, status, message, origin, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cid) DO NOTHING
		RETURNING ` + requestColumns

	req := &models.Request{
		ID:        uuid.New(),
		CID:       fresh.CID,
		StreamID:  fresh.StreamID,
		Status:    models.StatusPending,
		Message:   models.MessagePending,
		Origin:    fresh.Origin,
		Timestamp: fresh.Timestamp,
	}

	row := r.pool.QueryRow(ctx, query,
		req.ID, req.CID, req.StreamID, req.Status, req.Message, req.Origin, req.Timestamp)
	err := scanRequest(row, req)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.FindByCID(ctx, fresh.CID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			// Row vanished between the insert and the lookup
			return nil, false, pgx.ErrNoRows
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

func (r *requestRepo) FindByCID(ctx context.Context, commitCID string) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM request WHERE cid = $1`

	var req models.Request
	err := scanRequest(r.pool.QueryRow(ctx, query, commitCID), &req)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// batchCandidateStatuses are the rows fetched for batch planning;
// anchorable in batch_planner.go decides which of them may be claimed.
var batchCandidateStatuses = []int{
	int(models.StatusPending), int(models.StatusProcessing), int(models.StatusFailed),
}

func (r *requestRepo) FindAndMarkReady(ctx context.Context, now time.Time) ([]*models.Request, error) {
	var claimed []*models.Request
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		// Recover a batch that was built but never handed to a worker
		readyRows, err := tx.Query(ctx,
			`SELECT `+requestColumns+` FROM request WHERE status = $1`, models.StatusReady)
		if err != nil {
			return err
		}
		claimed, err = collectRequests(readyRows)
		if err != nil {
			return err
		}
		if len(claimed) > 0 {
			return nil
		}

		candRows, err := tx.Query(ctx,
			`SELECT `+requestColumns+` FROM request WHERE status = ANY($1)`,
			batchCandidateStatuses)
		if err != nil {
			return err
		}
		candidates, err := collectRequests(candRows)
		if err != nil {
			return err
		}

		batch := planBatch(candidates, now, r.cfg)
		if len(batch) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(batch))
		for i, req := range batch {
			ids[i] = req.ID
		}

		claimRows, err := tx.Query(ctx, `
			UPDATE request
			SET status = $2, message = $3, updated_at = now()
			WHERE id = ANY($1)
			RETURNING `+requestColumns,
			ids, models.StatusReady, models.MessagePending)
		if err != nil {
			return err
		}
		claimed, err = collectRequests(claimRows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *requestRepo) FindAndMarkAsProcessing(ctx context.Context) ([]*models.Request, error) {
	query := `
		UPDATE request
		SET status = $2, message = $3, updated_at = now()
		WHERE status = $1
		RETURNING ` + requestColumns

	rows, err := r.pool.Query(ctx, query,
		models.StatusReady, models.StatusProcessing, models.MessageProcessing)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// replaceableStatuses are the rows a newer request on the same stream may
// retire. PROCESSING is deliberately absent: those rows belong to an
// in-flight batch and must get their terminal status from the pipeline.
var replaceableStatuses = []int{
	int(models.StatusPending), int(models.StatusReady),
	int(models.StatusFailed), int(models.StatusReplaced),
}

func (r *requestRepo) MarkReplaced(ctx context.Context, req *models.Request) error {
	query := `
		UPDATE request
		SET status = $1, message = $2, updated_at = now()
		WHERE stream_id = $3 AND created_at < $4 AND id != $5 AND status = ANY($6)`

	_, err := r.pool.Exec(ctx, query,
		models.StatusReplaced, models.MessageReplaced,
		req.StreamID, req.CreatedAt, req.ID, replaceableStatuses)
	return err
}

func (r *requestRepo) UpdateRequests(ctx context.Context, status models.RequestStatus, message string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE request
		SET status = $1, message = $2, updated_at = now()
		WHERE id = ANY($3)`

	_, err := r.pool.Exec(ctx, query, status, message, ids)
	return err
}

func (r *requestRepo) MarkPinned(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE request SET pinned = TRUE, updated_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// collectableStatuses are the terminal rows the garbage collector may
// expire once past the GC window.
var collectableStatuses = []int{int(models.StatusCompleted), int(models.StatusFailed)}

func (r *requestRepo) FindRequestsToGarbageCollect(ctx context.Context, now time.Time) ([]*models.Request, error) {
	horizon := now.Add(-r.cfg.GCWindow)

	rows, err := r.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM request WHERE status = ANY($1) AND updated_at < $2`,
		collectableStatuses, horizon)
	if err != nil {
		return nil, err
	}
	expired, err := collectRequests(rows)
	if err != nil {
		return nil, err
	}

	activeRows, err := r.pool.Query(ctx,
		`SELECT DISTINCT stream_id FROM request WHERE updated_at >= $1`, horizon)
	if err != nil {
		return nil, err
	}
	defer activeRows.Close()
	var active []string
	for activeRows.Next() {
		var id string
		if err := activeRows.Scan(&id); err != nil {
			return nil, err
		}
		active = append(active, id)
	}
	if err := activeRows.Err(); err != nil {
		return nil, err
	}

	return pruneActiveStreams(expired, active), nil
}

func (r *requestRepo) DeleteRequests(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM request WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRequest(row pgx.Row, req *models.Request) error {
	return row.Scan(
		&req.ID,
		&req.CID,
		&req.StreamID,
		&req.Status,
		&req.Message,
		&req.Pinned,
		&req.Origin,
		&req.Timestamp,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func collectRequests(rows pgx.Rows) ([]*models.Request, error) {
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		var req models.Request
		if err := scanRequest(rows, &req); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}
