package ceramic

import (
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/polydawn/refmt/obj/atlas"
)

// AnchorProof is the DAG-CBOR record embedded next to the Merkle root,
// binding it to a blockchain transaction.
type AnchorProof struct {
	Root    cid.Cid
	ChainID string
	TxHash  []byte
	TxType  string
}

// AnchorCommit is the per-leaf DAG-CBOR record that lets a stream log
// advance to an anchored state.
type AnchorCommit struct {
	ID    cid.Cid
	Prev  cid.Cid
	Proof cid.Cid
	Path  string
}

func init() {
	cbornode.RegisterCborType(atlas.BuildEntry(AnchorProof{}).StructMap().
		AddField("Root", atlas.StructMapEntry{SerialName: "root"}).
		AddField("ChainID", atlas.StructMapEntry{SerialName: "chainId"}).
		AddField("TxHash", atlas.StructMapEntry{SerialName: "txHash"}).
		AddField("TxType", atlas.StructMapEntry{SerialName: "txType"}).
		Complete())
	cbornode.RegisterCborType(atlas.BuildEntry(AnchorCommit{}).StructMap().
		AddField("ID", atlas.StructMapEntry{SerialName: "id"}).
		AddField("Prev", atlas.StructMapEntry{SerialName: "prev"}).
		AddField("Proof", atlas.StructMapEntry{SerialName: "proof"}).
		AddField("Path", atlas.StructMapEntry{SerialName: "path"}).
		Complete())
}

// EncodeRecord wraps a value as a DAG-CBOR block addressed by its
// sha2-256 CID.
func EncodeRecord(v interface{}) (blocks.Block, error) {
	nd, err := cbornode.WrapObject(v, mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("encode dag-cbor record: %w", err)
	}
	return nd, nil
}

// DecodeAnchorCommit parses a DAG-CBOR anchor commit block.
func DecodeAnchorCommit(data []byte) (AnchorCommit, error) {
	var commit AnchorCommit
	if err := cbornode.DecodeInto(data, &commit); err != nil {
		return AnchorCommit{}, fmt.Errorf("decode anchor commit: %w", err)
	}
	return commit, nil
}

// DecodeAnchorProof parses a DAG-CBOR anchor proof block.
func DecodeAnchorProof(data []byte) (AnchorProof, error) {
	var proof AnchorProof
	if err := cbornode.DecodeInto(data, &proof); err != nil {
		return AnchorProof{}, fmt.Errorf("decode anchor proof: %w", err)
	}
	return proof, nil
}

// DecodeRecord parses an arbitrary DAG-CBOR block into a generic value.
// Maps come back as map[string]interface{}, links as cid.Cid.
func DecodeRecord(data []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := cbornode.DecodeInto(data, &out); err != nil {
		return nil, fmt.Errorf("decode dag-cbor record: %w", err)
	}
	return out, nil
}

// MerkleNodeRecord builds the two-element DAG-CBOR list for an internal
// Merkle node. A single-leaf tree merges against a nil right link.
func MerkleNodeRecord(left cid.Cid, right *cid.Cid) []interface{} {
	if right == nil {
		return []interface{}{left, nil}
	}
	return []interface{}{left, *right}
}

// DecodeMerkleNode parses an internal Merkle node record, returning its
// left and right links. The right link is cid.Undef when absent.
func DecodeMerkleNode(data []byte) (left, right cid.Cid, err error) {
	var links []*cid.Cid
	if err := cbornode.DecodeInto(data, &links); err != nil {
		return cid.Undef, cid.Undef, fmt.Errorf("decode merkle node: %w", err)
	}
	if len(links) < 1 || links[0] == nil {
		return cid.Undef, cid.Undef, fmt.Errorf("merkle node has no left link")
	}
	left = *links[0]
	if len(links) > 1 && links[1] != nil {
		right = *links[1]
	} else {
		right = cid.Undef
	}
	return left, right, nil
}
