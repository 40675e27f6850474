package ceramic

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenesisCID(t *testing.T, label string) StreamID {
	t.Helper()
	b, err := EncodeRecord(map[string]interface{}{"genesis": label})
	require.NoError(t, err)
	return StreamID{Type: 0, CID: b.Cid()}
}

func TestStreamID_RoundTrip(t *testing.T) {
	id := testGenesisCID(t, "round-trip")

	encoded := id.String()
	assert.True(t, strings.HasPrefix(encoded, "k"), "base36 StreamIDs start with k")

	parsed, err := ParseStreamID(encoded)
	require.NoError(t, err)
	assert.Equal(t, id.Type, parsed.Type)
	assert.True(t, id.CID.Equals(parsed.CID))
	assert.True(t, parsed.Defined())
}

func TestStreamID_FromBytes(t *testing.T) {
	id := StreamID{Type: 3, CID: testGenesisCID(t, "tile").CID}

	parsed, err := StreamIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), parsed.Type)
	assert.True(t, id.CID.Equals(parsed.CID))
}

func TestStreamID_BadCodec(t *testing.T) {
	id := testGenesisCID(t, "bad-codec")

	// Raw CID bytes lack the 0xce prefix
	_, err := StreamIDFromBytes(id.CID.Bytes())
	assert.Error(t, err)
}

func TestParseStreamID_Invalid(t *testing.T) {
	for _, s := range []string{"", "not-multibase!", "kjzl"} {
		_, err := ParseStreamID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestCommitID_GenesisMarker(t *testing.T) {
	stream := testGenesisCID(t, "commit-genesis")
	id := CommitID{StreamID: stream, Commit: stream.CID}

	parsed, err := ParseCommitID(id.String())
	require.NoError(t, err)
	assert.True(t, parsed.Commit.Equals(stream.CID), "zero marker resolves to the genesis CID")
	assert.True(t, parsed.CID.Equals(stream.CID))
}

func TestCommitID_DistinctCommit(t *testing.T) {
	stream := testGenesisCID(t, "commit-distinct")
	commitBlock, err := EncodeRecord(map[string]interface{}{"data": "second"})
	require.NoError(t, err)

	id := CommitID{StreamID: stream, Commit: commitBlock.Cid()}
	parsed, err := ParseCommitID(id.String())
	require.NoError(t, err)
	assert.True(t, parsed.Commit.Equals(commitBlock.Cid()))
	assert.True(t, parsed.CID.Equals(stream.CID))
}

func TestValidateDID(t *testing.T) {
	valid := []string{
		"did:key:z6MkgYGF3thn8k1Fv4p4dWzKtsGAMec3C1CoFiaYdUPcBDQE",
		"did:pkh:eip155:1:0xb9c5714089478a327f09197987f16f9e5d936e8a",
		"did:3:kjzl6cwe1jw147dvq16zluojmraqvwdmbh61dx9e0c59i344lcrsgqfohexp60s",
	}
	for _, did := range valid {
		assert.NoError(t, ValidateDID(did), did)
	}

	invalid := []string{"", "did:", "did:key", "notadid", "did:UPPER:abc"}
	for _, did := range invalid {
		assert.Error(t, ValidateDID(did), did)
	}
}

func TestParseISODate(t *testing.T) {
	ts, err := ParseISODate("2024-03-01T12:30:45.123Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.March, ts.Month())

	_, err = ParseISODate("01/03/2024")
	assert.Error(t, err)
}
