package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceramicnetwork/go-cas/internal/models"
)

// MetadataRepository defines the interface for stream metadata operations.
type MetadataRepository interface {
	// Save stores metadata for a stream. The first writer wins; later
	// writes for the same stream only refresh used_at.
	Save(ctx context.Context, streamID string, md models.StreamMetadata) error
	FindByStreamID(ctx context.Context, streamID string) (*models.Metadata, error)
	// TouchUsedAt marks the stream's metadata as recently used so GC keeps it.
	TouchUsedAt(ctx context.Context, streamID string) error
	// DeleteUnused removes metadata rows not used since the cutoff and
	// returns how many rows were deleted.
	DeleteUnused(ctx context.Context, cutoff time.Time) (int64, error)
}

type metadataRepo struct {
	pool *pgxpool.Pool
}

// NewMetadataRepository creates a new metadata repository.
func NewMetadataRepository(pool *pgxpool.Pool) MetadataRepository {
	return &metadataRepo{pool: pool}
}

func (r *metadataRepo) Save(ctx context.Context, streamID string, md models.StreamMetadata) error {
	query := `
		INSERT INTO metadata (stream_id, metadata, used_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stream_id) DO UPDATE SET used_at = now()`

	_, err := r.pool.Exec(ctx, query, streamID, md)
	return err
}

func (r *metadataRepo) FindByStreamID(ctx context.Context, streamID string) (*models.Metadata, error) {
	query := `
		SELECT stream_id, metadata, created_at, updated_at, used_at
		FROM metadata WHERE stream_id = $1`

	var m models.Metadata
	err := r.pool.QueryRow(ctx, query, streamID).Scan(
		&m.StreamID, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *metadataRepo) TouchUsedAt(ctx context.Context, streamID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE metadata SET used_at = now() WHERE stream_id = $1`, streamID)
	return err
}

func (r *metadataRepo) DeleteUnused(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM metadata WHERE used_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
