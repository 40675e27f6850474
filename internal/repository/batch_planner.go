package repository

import (
	"sort"
	"time"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/models"
)

// anchorable reports whether a request may join a new batch: pending
// requests, processing requests whose worker went silent, and failures
// still inside the retry window that were not conflict rejections.
func anchorable(req *models.Request, now time.Time, cfg config.AnchorConfig) bool {
	switch req.Status {
	case models.StatusPending:
		return true
	case models.StatusProcessing:
		return req.UpdatedAt.Before(now.Add(-cfg.ProcessingTimeout))
	case models.StatusFailed:
		return req.CreatedAt.After(now.Add(-cfg.FailureRetryWindow)) &&
			req.Message != models.MessageConflict
	default:
		return false
	}
}

// planBatch decides the next batch from the claim candidates. Streams are
// ordered by their oldest anchorable request and capped at the stream
// limit; a chosen stream contributes all of its anchorable requests. A
// batch below the minimum stream count only goes out once a pending
// request has waited past the anchoring delay, otherwise it keeps filling.
func planBatch(candidates []*models.Request, now time.Time, cfg config.AnchorConfig) []*models.Request {
	eligible := make([]*models.Request, 0, len(candidates))
	oldest := make(map[string]time.Time)
	for _, req := range candidates {
		if !anchorable(req, now, cfg) {
			continue
		}
		eligible = append(eligible, req)
		if first, ok := oldest[req.StreamID]; !ok || req.CreatedAt.Before(first) {
			oldest[req.StreamID] = req.CreatedAt
		}
	}
	if len(oldest) == 0 {
		return nil
	}

	streams := make([]string, 0, len(oldest))
	for id := range oldest {
		streams = append(streams, id)
	}
	sort.Slice(streams, func(i, j int) bool {
		a, b := oldest[streams[i]], oldest[streams[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return streams[i] < streams[j]
	})
	if len(streams) > cfg.StreamLimit {
		streams = streams[:cfg.StreamLimit]
	}

	if len(streams) < cfg.MinStreamCount && !overduePending(eligible, now, cfg) {
		return nil
	}

	chosen := make(map[string]bool, len(streams))
	for _, id := range streams {
		chosen[id] = true
	}
	var batch []*models.Request
	for _, req := range eligible {
		if chosen[req.StreamID] {
			batch = append(batch, req)
		}
	}
	return batch
}

// overduePending reports whether any pending request has waited past the
// anchoring delay, which forces out a batch below the minimum stream count.
func overduePending(reqs []*models.Request, now time.Time, cfg config.AnchorConfig) bool {
	deadline := now.Add(-cfg.MaxAnchoringDelay)
	for _, req := range reqs {
		if req.Status == models.StatusPending && req.CreatedAt.Before(deadline) {
			return true
		}
	}
	return false
}

// pruneActiveStreams drops expired requests whose stream saw any activity
// inside the GC window. A stream is collected whole or not at all.
func pruneActiveStreams(expired []*models.Request, activeStreams []string) []*models.Request {
	if len(activeStreams) == 0 {
		return expired
	}
	active := make(map[string]bool, len(activeStreams))
	for _, id := range activeStreams {
		active[id] = true
	}
	var out []*models.Request
	for _, req := range expired {
		if !active[req.StreamID] {
			out = append(out, req)
		}
	}
	return out
}
