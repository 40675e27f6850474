package service

import (
	"context"
	"fmt"
	"log/slog"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	"github.com/ceramicnetwork/go-cas/internal/models"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
	"github.com/ceramicnetwork/go-cas/internal/repository"
)

// RecordRetriever fetches a DAG-CBOR or DAG-JOSE block from IPFS.
type RecordRetriever interface {
	RetrieveRecord(ctx context.Context, root cid.Cid, path string) (blocks.Block, error)
}

// CARBlockImporter pushes the commits shipped with a CAR request body into
// the IPFS node.
type CARBlockImporter interface {
	ImportCAR(ctx context.Context, f *car.File) error
}

// MetadataService extracts, validates and persists per-stream metadata from
// genesis commit headers.
type MetadataService interface {
	// Fill is idempotent: an existing metadata row only gets its used_at
	// refreshed. Otherwise the genesis record is loaded (from the request
	// CAR when present, else from IPFS), its header validated, and the
	// result persisted.
	Fill(ctx context.Context, streamID ceramic.StreamID, genesisCAR *car.File) error
}

type metadataService struct {
	repo   repository.MetadataRepository
	ipfs   RecordRetriever
	logger *slog.Logger
}

// NewMetadataService creates a new metadata service.
func NewMetadataService(repo repository.MetadataRepository, ipfs RecordRetriever, logger *slog.Logger) MetadataService {
	return &metadataService{
		repo:   repo,
		ipfs:   ipfs,
		logger: logger.With("component", "metadata"),
	}
}

func (s *metadataService) Fill(ctx context.Context, streamID ceramic.StreamID, genesisCAR *car.File) error {
	existing, err := s.repo.FindByStreamID(ctx, streamID.String())
	if err != nil {
		return err
	}
	if existing != nil {
		return s.repo.TouchUsedAt(ctx, streamID.String())
	}

	genesis, err := s.loadGenesis(ctx, streamID, genesisCAR)
	if err != nil {
		return err
	}
	md, err := validateGenesisHeader(genesis)
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, streamID.String(), *md)
}

// loadGenesis fetches the genesis record, dereferencing the signed
// envelope's link when the commit is DAG-JOSE.
func (s *metadataService) loadGenesis(ctx context.Context, streamID ceramic.StreamID, genesisCAR *car.File) (map[string]interface{}, error) {
	b, err := s.getBlock(ctx, streamID.CID, genesisCAR)
	if err != nil {
		return nil, err
	}

	if b.Cid().Prefix().Codec == cid.DagJOSE {
		envelope, err := ceramic.DecodeRecord(b.RawData())
		if err != nil {
			return nil, apierrors.ErrInvalidGenesis.WithCause(err)
		}
		link, ok := envelope["link"].(cid.Cid)
		if !ok {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("link")
		}
		b, err = s.getBlock(ctx, link, genesisCAR)
		if err != nil {
			return nil, err
		}
	}

	genesis, err := ceramic.DecodeRecord(b.RawData())
	if err != nil {
		return nil, apierrors.ErrInvalidGenesis.WithCause(err)
	}
	return genesis, nil
}

// getBlock prefers the commits shipped with the request body and falls
// back to the IPFS node.
func (s *metadataService) getBlock(ctx context.Context, c cid.Cid, genesisCAR *car.File) (blocks.Block, error) {
	if genesisCAR != nil {
		if b, err := genesisCAR.Get(ctx, c); err == nil && b != nil {
			return b, nil
		}
	}
	b, err := s.ipfs.RetrieveRecord(ctx, c, "")
	if err != nil {
		return nil, apierrors.ErrMetadataUnavailable.WithCause(err)
	}
	return b, nil
}

// validateGenesisHeader decodes the header against the metadata schema.
// Unknown header fields are stripped; structural violations name the
// offending path.
func validateGenesisHeader(genesis map[string]interface{}) (*models.StreamMetadata, error) {
	rawHeader, ok := genesis["header"]
	if !ok {
		return nil, apierrors.ErrInvalidGenesis.WithDetails("header")
	}
	header, ok := rawHeader.(map[string]interface{})
	if !ok {
		return nil, apierrors.ErrInvalidGenesis.WithDetails("header")
	}

	var md models.StreamMetadata

	controllers, err := stringSlice(header["controllers"])
	if err != nil || len(controllers) != 1 {
		return nil, apierrors.ErrInvalidGenesis.WithDetails("header.controllers")
	}
	for _, did := range controllers {
		if err := ceramic.ValidateDID(did); err != nil {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.controllers")
		}
	}
	md.Controllers = controllers

	if raw, ok := header["model"]; ok {
		modelBytes, ok := raw.([]byte)
		if !ok {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.model")
		}
		if _, err := ceramic.StreamIDFromBytes(modelBytes); err != nil {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.model")
		}
		md.Model = modelBytes
	}

	if raw, ok := header["family"]; ok {
		family, ok := raw.(string)
		if !ok {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.family")
		}
		md.Family = family
	}

	if raw, ok := header["schema"]; ok {
		schema, ok := raw.(string)
		if !ok {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.schema")
		}
		if _, err := ceramic.ParseCommitID(schema); err != nil {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.schema")
		}
		md.Schema = schema
	}

	if raw, ok := header["tags"]; ok {
		tags, err := stringSlice(raw)
		if err != nil {
			return nil, apierrors.ErrInvalidGenesis.WithDetails("header.tags")
		}
		md.Tags = tags
	}

	return &md, nil
}

func stringSlice(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("not an array")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string array")
		}
		out = append(out, s)
	}
	return out, nil
}
