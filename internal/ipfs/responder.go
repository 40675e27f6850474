package ipfs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	"github.com/ceramicnetwork/go-cas/internal/config"
)

// TipFinder looks up the latest anchored tip for a stream, ignoring
// anchors older than since.
type TipFinder interface {
	FindLatestAnchoredTip(ctx context.Context, streamID string, since time.Time) (string, bool, error)
}

// Responder answers tip queries on the pubsub topic from the anchor
// database. Only streams anchored within the freshness window get a
// response; everything else is left to the rest of the network.
type Responder struct {
	svc    *Service
	tips   TipFinder
	window time.Duration
	logger *slog.Logger
}

// NewResponder builds a Responder over the shared IPFS service.
func NewResponder(svc *Service, tips TipFinder, cfg config.IPFSConfig, logger *slog.Logger) *Responder {
	return &Responder{
		svc:    svc,
		tips:   tips,
		window: cfg.ResponderWindow,
		logger: logger.With("component", "responder"),
	}
}

// Run subscribes to the topic and answers queries until the context is
// canceled.
func (r *Responder) Run(ctx context.Context) error {
	sub, err := r.svc.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Cancel()
	}()

	for {
		msg, err := sub.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		r.handle(ctx, msg.Data)
	}
}

func (r *Responder) handle(ctx context.Context, data []byte) {
	query, ok := ceramic.DecodeQuery(data)
	if !ok {
		return
	}
	if _, err := ceramic.ParseStreamID(query.Stream); err != nil {
		return
	}

	since := time.Now().Add(-r.window)
	tip, found, err := r.tips.FindLatestAnchoredTip(ctx, query.Stream, since)
	if err != nil {
		r.logger.Warn("tip lookup failed", "stream", query.Stream, "error", err)
		return
	}
	if !found {
		return
	}

	if err := r.svc.PublishResponse(ctx, query.ID, query.Stream, tip); err != nil {
		r.logger.Warn("response publish failed", "stream", query.Stream, "error", err)
	}
}
