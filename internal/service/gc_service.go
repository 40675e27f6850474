package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/metrics"
	"github.com/ceramicnetwork/go-cas/internal/repository"
)

// GCService removes expired requests and the metadata of idle streams.
type GCService interface {
	CollectGarbage(ctx context.Context) error
}

type gcService struct {
	requests repository.RequestRepository
	metadata repository.MetadataRepository
	cfg      config.AnchorConfig
	logger   *slog.Logger
}

// NewGCService creates a garbage collection service.
func NewGCService(requests repository.RequestRepository, metadata repository.MetadataRepository, cfg config.AnchorConfig, logger *slog.Logger) GCService {
	return &gcService{
		requests: requests,
		metadata: metadata,
		cfg:      cfg,
		logger:   logger.With("component", "gc"),
	}
}

func (s *gcService) CollectGarbage(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := s.requests.FindRequestsToGarbageCollect(ctx, now)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		ids := make([]uuid.UUID, 0, len(expired))
		for _, req := range expired {
			ids = append(ids, req.ID)
		}
		deleted, err := s.requests.DeleteRequests(ctx, ids)
		if err != nil {
			return err
		}
		metrics.CountGarbageCollected(int(deleted))
		s.logger.Info("requests collected", "deleted", deleted)
	}

	cutoff := now.Add(-s.cfg.GCWindow)
	removed, err := s.metadata.DeleteUnused(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("metadata collected", "deleted", removed)
	}
	return nil
}
