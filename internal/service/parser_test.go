package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/car"
	"github.com/ceramicnetwork/go-cas/internal/ceramic"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

func testStreamID(t *testing.T, label string) ceramic.StreamID {
	t.Helper()
	return ceramic.StreamID{Type: 0, CID: mustRecordCID(t, map[string]interface{}{"genesis": label})}
}

func TestParseJSON_Valid(t *testing.T) {
	p := NewAnchorRequestParser()
	streamID := testStreamID(t, "json-valid")
	tip := mustRecordCID(t, map[string]interface{}{"commit": "tip"})

	body := fmt.Sprintf(`{"streamId":%q,"cid":%q,"timestamp":"2024-06-01T10:00:00Z"}`, streamID.String(), tip.String())
	parsed, err := p.ParseJSON([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.StreamID.CID.Equals(streamID.CID) {
		t.Errorf("stream id mismatch")
	}
	if !parsed.Tip.Equals(tip) {
		t.Errorf("tip mismatch")
	}
	if parsed.Timestamp.Year() != 2024 || parsed.Timestamp.Month() != time.June {
		t.Errorf("timestamp not parsed: %v", parsed.Timestamp)
	}
	if parsed.CAR != nil {
		t.Errorf("JSON bodies carry no CAR")
	}
}

func TestParseJSON_DefaultsTimestamp(t *testing.T) {
	p := NewAnchorRequestParser()
	streamID := testStreamID(t, "json-no-ts")
	tip := mustRecordCID(t, map[string]interface{}{"commit": "tip-ts"})

	before := time.Now().UTC()
	body := fmt.Sprintf(`{"streamId":%q,"cid":%q}`, streamID.String(), tip.String())
	parsed, err := p.ParseJSON([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Timestamp.Before(before) || parsed.Timestamp.After(time.Now().UTC()) {
		t.Errorf("missing timestamp should default to now, got %v", parsed.Timestamp)
	}
}

func TestParseJSON_IgnoresClientVersions(t *testing.T) {
	p := NewAnchorRequestParser()
	streamID := testStreamID(t, "json-versions")
	tip := mustRecordCID(t, map[string]interface{}{"commit": "tip-v"})

	body := fmt.Sprintf(`{"streamId":%q,"cid":%q,"jsCeramicVersion":"5.0.0","ceramicOneVersion":"0.1.0"}`,
		streamID.String(), tip.String())
	if _, err := p.ParseJSON([]byte(body)); err != nil {
		t.Fatalf("client version fields must be tolerated: %v", err)
	}
}

func TestParseJSON_Invalid(t *testing.T) {
	p := NewAnchorRequestParser()
	streamID := testStreamID(t, "json-invalid")
	tip := mustRecordCID(t, map[string]interface{}{"commit": "tip-inv"})

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing cid", fmt.Sprintf(`{"streamId":%q}`, streamID.String())},
		{"missing streamId", fmt.Sprintf(`{"cid":%q}`, tip.String())},
		{"bad streamId", fmt.Sprintf(`{"streamId":"garbage","cid":%q}`, tip.String())},
		{"bad cid", fmt.Sprintf(`{"streamId":%q,"cid":"garbage"}`, streamID.String())},
		{"bad timestamp", fmt.Sprintf(`{"streamId":%q,"cid":%q,"timestamp":"yesterday"}`, streamID.String(), tip.String())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ParseJSON([]byte(tc.body))
			if !apierrors.Is(err, apierrors.KindInvalidRequest) {
				t.Fatalf("expected invalid request error, got %v", err)
			}
		})
	}
}

// buildRequestCAR assembles the binary intake envelope: the root record
// plus the genesis commit travelling alongside it.
func buildRequestCAR(t *testing.T, streamID ceramic.StreamID, tip cid.Cid, ts string, withGenesis bool) []byte {
	t.Helper()
	ctx := context.Background()

	envelope := map[string]interface{}{
		"streamId":  streamID.Bytes(),
		"tip":       tip,
		"timestamp": ts,
	}
	envelopeBlock, err := ceramic.EncodeRecord(envelope)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}

	f := car.NewFile(envelopeBlock.Cid())
	if err := f.Put(ctx, envelopeBlock); err != nil {
		t.Fatalf("put envelope: %v", err)
	}
	if withGenesis {
		genesisBlock, err := ceramic.EncodeRecord(map[string]interface{}{"genesis": "for-car"})
		if err != nil {
			t.Fatalf("encode genesis: %v", err)
		}
		if !genesisBlock.Cid().Equals(streamID.CID) {
			t.Fatalf("fixture mismatch: stream id must wrap this genesis block")
		}
		if err := f.Put(ctx, genesisBlock); err != nil {
			t.Fatalf("put genesis: %v", err)
		}
	}

	data, err := f.Bytes(ctx)
	if err != nil {
		t.Fatalf("serialize car: %v", err)
	}
	return data
}

func TestParseCAR_Valid(t *testing.T) {
	p := NewAnchorRequestParser()
	ctx := context.Background()

	streamID := ceramic.StreamID{Type: 0, CID: mustRecordCID(t, map[string]interface{}{"genesis": "for-car"})}
	tip := mustRecordCID(t, map[string]interface{}{"commit": "car-tip"})
	body := buildRequestCAR(t, streamID, tip, "2024-06-01T10:00:00Z", true)

	parsed, err := p.ParseCAR(ctx, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.StreamID.CID.Equals(streamID.CID) {
		t.Errorf("stream id mismatch")
	}
	if !parsed.Tip.Equals(tip) {
		t.Errorf("tip mismatch")
	}
	if parsed.CAR == nil {
		t.Fatalf("CAR bodies carry their blocks for import")
	}
	if !parsed.CAR.Has(ctx, streamID.CID) {
		t.Errorf("genesis block missing from parsed CAR")
	}
}

func TestParseCAR_MissingGenesis(t *testing.T) {
	p := NewAnchorRequestParser()

	streamID := ceramic.StreamID{Type: 0, CID: mustRecordCID(t, map[string]interface{}{"genesis": "for-car"})}
	tip := mustRecordCID(t, map[string]interface{}{"commit": "car-tip-2"})
	body := buildRequestCAR(t, streamID, tip, "2024-06-01T10:00:00Z", false)

	_, err := p.ParseCAR(context.Background(), body)
	if !apierrors.Is(err, apierrors.KindInvalidRequest) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
}

func TestParseCAR_Garbage(t *testing.T) {
	p := NewAnchorRequestParser()
	_, err := p.ParseCAR(context.Background(), []byte("definitely not a car"))
	if !apierrors.Is(err, apierrors.KindInvalidRequest) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
}

func TestParseCAR_BadEnvelope(t *testing.T) {
	p := NewAnchorRequestParser()
	ctx := context.Background()

	// Envelope with a string streamId instead of bytes
	envelopeBlock, err := ceramic.EncodeRecord(map[string]interface{}{
		"streamId":  "not-bytes",
		"tip":       mustRecordCID(t, map[string]interface{}{"commit": "x"}),
		"timestamp": "2024-06-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	f := car.NewFile(envelopeBlock.Cid())
	if err := f.Put(ctx, envelopeBlock); err != nil {
		t.Fatalf("put envelope: %v", err)
	}
	data, err := f.Bytes(ctx)
	if err != nil {
		t.Fatalf("serialize car: %v", err)
	}

	_, err = p.ParseCAR(ctx, data)
	if !apierrors.Is(err, apierrors.KindInvalidRequest) {
		t.Fatalf("expected invalid request error, got %v", err)
	}
}
