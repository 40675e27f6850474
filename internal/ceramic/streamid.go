// Package ceramic implements the Ceramic identifier codecs and pubsub
// message formats the anchor service speaks.
package ceramic

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// StreamIDCodec is the multicodec code prefixed to StreamID and CommitID
// byte representations.
const StreamIDCodec = 0xce

// StreamID identifies a Ceramic stream: a stream type plus the CID of the
// stream's genesis commit.
type StreamID struct {
	Type uint64
	CID  cid.Cid
}

// ParseStreamID decodes a multibase StreamID string ("k..." in base36).
func ParseStreamID(s string) (StreamID, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return StreamID{}, fmt.Errorf("streamid %q: %w", s, err)
	}
	return StreamIDFromBytes(data)
}

// StreamIDFromBytes decodes the binary form: varint(0xce), varint(type),
// genesis CID bytes.
func StreamIDFromBytes(data []byte) (StreamID, error) {
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return StreamID{}, fmt.Errorf("streamid codec: %w", err)
	}
	if codec != StreamIDCodec {
		return StreamID{}, fmt.Errorf("streamid codec: expected %#x, got %#x", StreamIDCodec, codec)
	}
	data = data[n:]

	streamType, n, err := varint.FromUvarint(data)
	if err != nil {
		return StreamID{}, fmt.Errorf("streamid type: %w", err)
	}
	data = data[n:]

	genesis, err := cid.Cast(data)
	if err != nil {
		return StreamID{}, fmt.Errorf("streamid genesis cid: %w", err)
	}
	return StreamID{Type: streamType, CID: genesis}, nil
}

// Bytes returns the binary form of the StreamID.
func (s StreamID) Bytes() []byte {
	buf := varint.ToUvarint(StreamIDCodec)
	buf = append(buf, varint.ToUvarint(s.Type)...)
	return append(buf, s.CID.Bytes()...)
}

// String returns the base36 multibase form of the StreamID.
func (s StreamID) String() string {
	enc, err := multibase.Encode(multibase.Base36, s.Bytes())
	if err != nil {
		// Base36 is a registered encoding; this cannot fail on valid bytes.
		panic(err)
	}
	return enc
}

// Defined reports whether the StreamID holds a genesis CID.
func (s StreamID) Defined() bool {
	return s.CID.Defined()
}

// CommitID identifies one commit of a stream. A zero Commit CID denotes the
// genesis commit itself.
type CommitID struct {
	StreamID
	Commit cid.Cid
}

// ParseCommitID decodes a multibase CommitID string.
func ParseCommitID(s string) (CommitID, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return CommitID{}, fmt.Errorf("commitid %q: %w", s, err)
	}

	codec, n, err := varint.FromUvarint(data)
	if err != nil || codec != StreamIDCodec {
		return CommitID{}, fmt.Errorf("commitid codec: %v", err)
	}
	data = data[n:]

	streamType, n, err := varint.FromUvarint(data)
	if err != nil {
		return CommitID{}, fmt.Errorf("commitid type: %w", err)
	}
	data = data[n:]

	genesisLen, err := cidLength(data)
	if err != nil {
		return CommitID{}, fmt.Errorf("commitid genesis cid: %w", err)
	}
	genesis, err := cid.Cast(data[:genesisLen])
	if err != nil {
		return CommitID{}, fmt.Errorf("commitid genesis cid: %w", err)
	}
	data = data[genesisLen:]

	id := CommitID{StreamID: StreamID{Type: streamType, CID: genesis}}
	// A single zero byte marks the genesis commit.
	if len(data) == 1 && data[0] == 0 {
		id.Commit = genesis
		return id, nil
	}
	commit, err := cid.Cast(data)
	if err != nil {
		return CommitID{}, fmt.Errorf("commitid commit cid: %w", err)
	}
	id.Commit = commit
	return id, nil
}

// String returns the base36 multibase form of the CommitID.
func (c CommitID) String() string {
	buf := varint.ToUvarint(StreamIDCodec)
	buf = append(buf, varint.ToUvarint(c.Type)...)
	buf = append(buf, c.CID.Bytes()...)
	if c.Commit.Equals(c.CID) {
		buf = append(buf, 0)
	} else {
		buf = append(buf, c.Commit.Bytes()...)
	}
	enc, err := multibase.Encode(multibase.Base36, buf)
	if err != nil {
		panic(err)
	}
	return enc
}

// cidLength returns the byte length of the CID at the head of data.
func cidLength(data []byte) (int, error) {
	// CIDv1: version varint, codec varint, multihash (code, length, digest).
	offset := 0
	for i := 0; i < 2; i++ {
		_, n, err := varint.FromUvarint(data[offset:])
		if err != nil {
			return 0, err
		}
		offset += n
	}
	_, n, err := varint.FromUvarint(data[offset:])
	if err != nil {
		return 0, err
	}
	offset += n
	length, n, err := varint.FromUvarint(data[offset:])
	if err != nil {
		return 0, err
	}
	offset += n + int(length)
	if offset > len(data) {
		return 0, fmt.Errorf("truncated cid")
	}
	return offset, nil
}

var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

// ValidateDID checks that s is a structurally valid DID string.
func ValidateDID(s string) error {
	if !didPattern.MatchString(s) {
		return fmt.Errorf("invalid DID %q", s)
	}
	return nil
}

// ParseISODate decodes an RFC 3339 timestamp as used on the wire.
func ParseISODate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO date %q: %w", s, err)
	}
	return t, nil
}
