package ceramic

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorProof_RoundTrip(t *testing.T) {
	root := testGenesisCID(t, "proof-root").CID
	proof := AnchorProof{
		Root:    root,
		ChainID: "eip155:1",
		TxHash:  []byte{0xde, 0xad, 0xbe, 0xef},
		TxType:  "f(bytes32)",
	}

	b, err := EncodeRecord(&proof)
	require.NoError(t, err)

	decoded, err := DecodeAnchorProof(b.RawData())
	require.NoError(t, err)
	assert.True(t, decoded.Root.Equals(root))
	assert.Equal(t, proof.ChainID, decoded.ChainID)
	assert.Equal(t, proof.TxHash, decoded.TxHash)
	assert.Equal(t, proof.TxType, decoded.TxType)
}

func TestAnchorCommit_RoundTrip(t *testing.T) {
	genesis := testGenesisCID(t, "commit-id").CID
	prev := testGenesisCID(t, "commit-prev").CID
	proof := testGenesisCID(t, "commit-proof").CID

	commit := AnchorCommit{ID: genesis, Prev: prev, Proof: proof, Path: "L/R"}
	b, err := EncodeRecord(&commit)
	require.NoError(t, err)

	decoded, err := DecodeAnchorCommit(b.RawData())
	require.NoError(t, err)
	assert.True(t, decoded.ID.Equals(genesis))
	assert.True(t, decoded.Prev.Equals(prev))
	assert.True(t, decoded.Proof.Equals(proof))
	assert.Equal(t, "L/R", decoded.Path)
}

func TestMerkleNodeRecord_RoundTrip(t *testing.T) {
	left := testGenesisCID(t, "node-left").CID
	right := testGenesisCID(t, "node-right").CID

	b, err := EncodeRecord(MerkleNodeRecord(left, &right))
	require.NoError(t, err)

	l, r, err := DecodeMerkleNode(b.RawData())
	require.NoError(t, err)
	assert.True(t, l.Equals(left))
	assert.True(t, r.Equals(right))
}

func TestMerkleNodeRecord_SingleLeaf(t *testing.T) {
	left := testGenesisCID(t, "node-only").CID

	b, err := EncodeRecord(MerkleNodeRecord(left, nil))
	require.NoError(t, err)

	l, r, err := DecodeMerkleNode(b.RawData())
	require.NoError(t, err)
	assert.True(t, l.Equals(left))
	assert.False(t, r.Defined(), "absent right link decodes to cid.Undef")
}

func TestDecodeRecord_Links(t *testing.T) {
	link := testGenesisCID(t, "record-link").CID
	b, err := EncodeRecord(map[string]interface{}{"prev": link, "n": 7})
	require.NoError(t, err)

	out, err := DecodeRecord(b.RawData())
	require.NoError(t, err)
	got, ok := out["prev"].(cid.Cid)
	require.True(t, ok, "links decode as CIDs")
	assert.True(t, got.Equals(link))
}
