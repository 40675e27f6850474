// Package ipfs wraps the Kubo HTTP API for record storage, retrieval and
// pubsub. All calls go through the request builder so every operation
// honors its context deadline.
package ipfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/files"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	shell "github.com/ipfs/go-ipfs-api"
	mbase "github.com/multiformats/go-multibase"
	mc "github.com/multiformats/go-multicodec"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/metrics"
)

const retryBaseDelay = 100 * time.Millisecond

// Service talks to a single Kubo node. Record reads are cached and the
// number of concurrent reads is capped so a flood of retrievals cannot
// starve the node.
type Service struct {
	sh     *shell.Shell
	cfg    config.IPFSConfig
	cache  *lru.Cache[string, blocks.Block]
	sem    chan struct{}
	logger *slog.Logger
}

// NewService builds a Service from the IPFS configuration.
func NewService(cfg config.IPFSConfig, logger *slog.Logger) (*Service, error) {
	cache, err := lru.New[string, blocks.Block](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	return &Service{
		sh:     shell.NewShell(cfg.APIURL),
		cfg:    cfg,
		cache:  cache,
		sem:    make(chan struct{}, cfg.ConcurrentGetLimit),
		logger: logger.With("component", "ipfs"),
	}, nil
}

// StoreRecord writes a DAG-CBOR value to the node and pins it
// non-recursively. Returns the stored block so callers can also add it to
// an in-flight CAR.
func (s *Service) StoreRecord(ctx context.Context, v interface{}) (blocks.Block, error) {
	b, err := ceramic.EncodeRecord(v)
	if err != nil {
		return nil, err
	}
	if err := s.putBlock(ctx, b); err != nil {
		return nil, err
	}
	if err := s.pin(ctx, b.Cid(), false); err != nil {
		return nil, err
	}
	return b, nil
}

// StoreBlock writes an already-encoded block to the node without pinning.
func (s *Service) StoreBlock(ctx context.Context, b blocks.Block) error {
	return s.putBlock(ctx, b)
}

// RetrieveRecord fetches the block at path below root. Results are cached
// by (root, path); failed fetches are retried with backoff unless the
// context was canceled.
func (s *Service) RetrieveRecord(ctx context.Context, root cid.Cid, path string) (blocks.Block, error) {
	key := root.String()
	if path != "" {
		key += "/" + path
	}
	if b, ok := s.cache.Get(key); ok {
		return b, nil
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.GetRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay << attempt):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		b, err := s.fetch(ctx, key)
		if err == nil {
			s.cache.Add(key, b)
			return b, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("record fetch failed", "key", key, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("retrieve %s: %w", key, lastErr)
}

// fetch resolves the path to a block CID and reads the raw block.
func (s *Service) fetch(ctx context.Context, key string) (blocks.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetTimeout)
	defer cancel()

	var resolved struct {
		Cid struct {
			Target string `json:"/"`
		} `json:"Cid"`
		RemPath string
	}
	if err := s.sh.Request("dag/resolve", key).Exec(ctx, &resolved); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if resolved.RemPath != "" {
		return nil, fmt.Errorf("resolve: %q left unresolved below %s", resolved.RemPath, key)
	}
	c, err := cid.Decode(resolved.Cid.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve: bad cid %q: %w", resolved.Cid.Target, err)
	}

	resp, err := s.sh.Request("block/get", c.String()).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("block/get: %w", err)
	}
	defer resp.Close()
	if resp.Error != nil {
		return nil, fmt.Errorf("block/get: %w", resp.Error)
	}
	data, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("block/get: read: %w", err)
	}
	return blocks.NewBlockWithCid(data, c)
}

// ImportCAR writes every block of a CAR into the node and pins the roots
// recursively so the imported commits survive node GC. Used on witness CAR
// intake so commits arrive even when the client's node is unreachable.
func (s *Service) ImportCAR(ctx context.Context, f *car.File) error {
	for _, c := range f.CIDs() {
		b, err := f.Get(ctx, c)
		if err != nil {
			return err
		}
		if err := s.putBlock(ctx, b); err != nil {
			return fmt.Errorf("import block %s: %w", c, err)
		}
	}
	for _, root := range f.Roots() {
		if err := s.pin(ctx, root, true); err != nil {
			return fmt.Errorf("import root: %w", err)
		}
	}
	return nil
}

// PublishUpdate announces a fresh anchor commit tip on the pubsub topic.
func (s *Service) PublishUpdate(ctx context.Context, streamID ceramic.StreamID, tip cid.Cid) error {
	data, err := ceramic.Encode(ceramic.NewUpdateMessage(streamID, tip.String()))
	if err != nil {
		return err
	}
	if err := s.publish(ctx, data); err != nil {
		return err
	}
	metrics.CountPubsubPublished("update")
	return nil
}

// PublishResponse answers a tip query on the pubsub topic.
func (s *Service) PublishResponse(ctx context.Context, queryID, stream, tip string) error {
	data, err := ceramic.Encode(ceramic.NewResponseMessage(queryID, stream, tip))
	if err != nil {
		return err
	}
	if err := s.publish(ctx, data); err != nil {
		return err
	}
	metrics.CountPubsubPublished("response")
	return nil
}

// Subscribe opens a subscription to the configured pubsub topic.
func (s *Service) Subscribe() (*shell.PubSubSubscription, error) {
	return s.sh.PubSubSubscribe(s.cfg.PubsubTopic)
}

func (s *Service) publish(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PutTimeout)
	defer cancel()
	// The pubsub API takes its topic multibase-encoded
	topic, err := mbase.Encode(mbase.Base64url, []byte(s.cfg.PubsubTopic))
	if err != nil {
		return err
	}
	return s.sh.Request("pubsub/pub", topic).
		Body(multipartBody(data)).
		Exec(ctx, nil)
}

func (s *Service) putBlock(ctx context.Context, b blocks.Block) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PutTimeout)
	defer cancel()

	var out struct {
		Key string
	}
	err := s.sh.Request("block/put").
		Option("cid-codec", mc.Code(b.Cid().Prefix().Codec).String()).
		Option("mhtype", "sha2-256").
		Option("pin", "false").
		Body(multipartBody(b.RawData())).
		Exec(ctx, &out)
	if err != nil {
		return fmt.Errorf("block/put: %w", err)
	}
	if out.Key != b.Cid().String() {
		return fmt.Errorf("block/put: node returned %s, expected %s", out.Key, b.Cid())
	}
	return nil
}

func (s *Service) pin(ctx context.Context, c cid.Cid, recursive bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PutTimeout)
	defer cancel()
	if err := s.sh.Request("pin/add", c.String()).Option("recursive", recursive).Exec(ctx, nil); err != nil {
		return fmt.Errorf("pin/add %s: %w", c, err)
	}
	return nil
}

// multipartBody wraps data as the single-file multipart form the Kubo API
// expects for upload endpoints.
func multipartBody(data []byte) io.Reader {
	dir := files.NewSliceDirectory([]files.DirEntry{
		files.FileEntry("", files.NewBytesFile(data)),
	})
	return files.NewMultiFileReader(dir, true, false)
}
