// Package service provides business logic implementations.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

// ParsedRequest is the codec-validated content of an anchor request body.
type ParsedRequest struct {
	StreamID  ceramic.StreamID
	Tip       cid.Cid
	Timestamp time.Time
	// CAR carries the commits shipped with a binary request body, nil for
	// JSON bodies.
	CAR *car.File
}

// jsonAnchorRequest is the legacy JSON wire format. The client version
// fields are accepted and ignored.
type jsonAnchorRequest struct {
	StreamID          string `json:"streamId" validate:"required"`
	CID               string `json:"cid" validate:"required"`
	Timestamp         string `json:"timestamp"`
	JSCeramicVersion  string `json:"jsCeramicVersion"`
	CeramicOneVersion string `json:"ceramicOneVersion"`
}

// AnchorRequestParser parses the two anchor request wire formats: legacy
// JSON and the CAR envelope.
type AnchorRequestParser struct {
	validate *validator.Validate
}

// NewAnchorRequestParser creates a parser.
func NewAnchorRequestParser() *AnchorRequestParser {
	return &AnchorRequestParser{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ParseJSON parses a JSON request body.
func (p *AnchorRequestParser) ParseJSON(body []byte) (*ParsedRequest, error) {
	var req jsonAnchorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}
	if err := p.validate.Struct(req); err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}

	streamID, err := ceramic.ParseStreamID(req.StreamID)
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}
	tip, err := cid.Decode(req.CID)
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("cid: %w", err))
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		ts, err = ceramic.ParseISODate(req.Timestamp)
		if err != nil {
			return nil, apierrors.ErrInvalidRequest.WithCause(err)
		}
	}

	return &ParsedRequest{StreamID: streamID, Tip: tip, Timestamp: ts}, nil
}

// ParseCAR parses a binary CAR request body. The CAR's single root points
// to an envelope record { streamId: bytes, timestamp: ISO-date, tip: CID }
// and the CAR also carries the stream's genesis commit.
func (p *AnchorRequestParser) ParseCAR(ctx context.Context, body []byte) (*ParsedRequest, error) {
	f, err := car.Decode(ctx, body)
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}
	roots := f.Roots()
	if len(roots) != 1 {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("expected 1 root, got %d", len(roots)))
	}

	rootBlock, err := f.Get(ctx, roots[0])
	if err != nil || rootBlock == nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("root block missing from car"))
	}
	envelope, err := ceramic.DecodeRecord(rootBlock.RawData())
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}

	streamBytes, ok := envelope["streamId"].([]byte)
	if !ok {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("envelope streamId is not bytes"))
	}
	streamID, err := ceramic.StreamIDFromBytes(streamBytes)
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}

	tip, ok := envelope["tip"].(cid.Cid)
	if !ok {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("envelope tip is not a link"))
	}

	tsStr, ok := envelope["timestamp"].(string)
	if !ok {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("envelope timestamp is not a string"))
	}
	ts, err := ceramic.ParseISODate(tsStr)
	if err != nil {
		return nil, apierrors.ErrInvalidRequest.WithCause(err)
	}

	// The genesis commit must travel with the envelope
	if !f.Has(ctx, streamID.CID) {
		return nil, apierrors.ErrInvalidRequest.WithCause(fmt.Errorf("genesis commit %s missing from car", streamID.CID))
	}

	return &ParsedRequest{StreamID: streamID, Tip: tip, Timestamp: ts, CAR: f}, nil
}
