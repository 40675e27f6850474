package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/config"
)

// MerkleCarService stores the full batch CAR keyed by the anchor proof
// CID. Retrieval failures degrade to nil so witness production can carry
// on without the archive.
type MerkleCarService interface {
	StoreCarFile(ctx context.Context, proofCID string, f *car.File) error
	RetrieveCarFile(ctx context.Context, proofCID string) (*car.File, error)
}

// NewMerkleCarService builds the configured backend.
func NewMerkleCarService(ctx context.Context, cfg config.CARStoreConfig, s3Client *s3.Client, logger *slog.Logger) (MerkleCarService, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewInMemoryMerkleCarService(), nil
	case "s3":
		return NewS3MerkleCarService(cfg, s3Client, logger)
	default:
		return nil, fmt.Errorf("unknown car store backend %q", cfg.Backend)
	}
}

type inMemoryMerkleCarService struct {
	mu   sync.RWMutex
	cars map[string][]byte
}

// NewInMemoryMerkleCarService creates the map-backed store used in dev and
// tests.
func NewInMemoryMerkleCarService() MerkleCarService {
	return &inMemoryMerkleCarService{cars: make(map[string][]byte)}
}

func (s *inMemoryMerkleCarService) StoreCarFile(ctx context.Context, proofCID string, f *car.File) error {
	data, err := f.Bytes(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cars[proofCID] = data
	return nil
}

func (s *inMemoryMerkleCarService) RetrieveCarFile(ctx context.Context, proofCID string) (*car.File, error) {
	s.mu.RLock()
	data, ok := s.cars[proofCID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return car.Decode(ctx, data)
}

type s3MerkleCarService struct {
	client *s3.Client
	bucket string
	prefix string
	cache  *lru.Cache[string, []byte]
	logger *slog.Logger
}

// NewS3MerkleCarService creates the object-store backend. CARs are gzipped
// at rest and an LRU cache fronts the bucket.
func NewS3MerkleCarService(cfg config.CARStoreConfig, client *s3.Client, logger *slog.Logger) (MerkleCarService, error) {
	cache, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create car cache: %w", err)
	}
	return &s3MerkleCarService{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.BucketPrefix,
		cache:  cache,
		logger: logger.With("component", "car_store"),
	}, nil
}

func (s *s3MerkleCarService) key(proofCID string) string {
	return s.prefix + "/" + proofCID
}

func (s *s3MerkleCarService) StoreCarFile(ctx context.Context, proofCID string, f *car.File) error {
	data, err := f.Bytes(ctx)
	if err != nil {
		return err
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compress car: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress car: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(proofCID)),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentType:     aws.String("application/vnd.ipld.car"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("store car %s: %w", proofCID, err)
	}
	s.cache.Add(proofCID, data)
	return nil
}

func (s *s3MerkleCarService) RetrieveCarFile(ctx context.Context, proofCID string) (*car.File, error) {
	if data, ok := s.cache.Get(proofCID); ok {
		return car.Decode(ctx, data)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(proofCID)),
	})
	if err != nil {
		// Witness production degrades gracefully without the archive
		s.logger.Warn("car fetch failed", "proof_cid", proofCID, "error", err)
		return nil, nil
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		s.logger.Warn("car decompress failed", "proof_cid", proofCID, "error", err)
		return nil, nil
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		s.logger.Warn("car read failed", "proof_cid", proofCID, "error", err)
		return nil, nil
	}

	s.cache.Add(proofCID, data)
	return car.Decode(ctx, data)
}
