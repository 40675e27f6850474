// Package merkle builds the binary Merkle tree anchored on-chain. Leaves
// are commit CIDs; every internal node is a DAG-CBOR record stored through
// a NodeStore so the tree lands in IPFS and the batch CAR as it is built.
package merkle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/ceramic"
)

// ErrDepthLimit is returned when the leaf count exceeds 2^depthLimit.
var ErrDepthLimit = errors.New("merkle tree depth limit exceeded")

// CompareFn orders leaves before tree construction.
type CompareFn func(a, b cid.Cid) int

// DefaultCompare sorts leaves lexicographically by CID bytes.
func DefaultCompare(a, b cid.Cid) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// NodeStore persists an internal node record and returns its CID.
type NodeStore interface {
	StoreNode(ctx context.Context, record []interface{}) (cid.Cid, error)
}

// Tree is a built Merkle tree: the root CID, the sorted leaves, and the
// L/R path from the root to each leaf.
type Tree struct {
	root   cid.Cid
	leaves []cid.Cid
	paths  map[cid.Cid]string
}

// Build constructs the tree over the given leaves, storing every internal
// node through store. Leaves are sorted with cmp (DefaultCompare when nil).
func Build(ctx context.Context, store NodeStore, leaves []cid.Cid, depthLimit int, cmp CompareFn) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle tree needs at least one leaf")
	}
	if depthLimit > 0 && len(leaves) > 1<<depthLimit {
		return nil, fmt.Errorf("%w: %d leaves > 2^%d", ErrDepthLimit, len(leaves), depthLimit)
	}
	if cmp == nil {
		cmp = DefaultCompare
	}

	sorted := make([]cid.Cid, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return cmp(sorted[i], sorted[j]) < 0
	})

	t := &Tree{
		leaves: sorted,
		paths:  make(map[cid.Cid]string, len(sorted)),
	}

	if len(sorted) == 1 {
		// A single candidate still gets one internal node: merge(leaf, nil).
		root, err := store.StoreNode(ctx, ceramic.MerkleNodeRecord(sorted[0], nil))
		if err != nil {
			return nil, err
		}
		t.root = root
		t.paths[sorted[0]] = "L"
		return t, nil
	}

	root, err := t.build(ctx, store, sorted, "")
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// build recursively constructs the subtree over leaves, recording the path
// prefix for every leaf it places.
func (t *Tree) build(ctx context.Context, store NodeStore, leaves []cid.Cid, prefix string) (cid.Cid, error) {
	if len(leaves) == 1 {
		t.paths[leaves[0]] = prefix
		return leaves[0], nil
	}

	mid := (len(leaves) + 1) / 2
	left, err := t.build(ctx, store, leaves[:mid], join(prefix, "L"))
	if err != nil {
		return cid.Undef, err
	}
	right, err := t.build(ctx, store, leaves[mid:], join(prefix, "R"))
	if err != nil {
		return cid.Undef, err
	}
	return store.StoreNode(ctx, ceramic.MerkleNodeRecord(left, &right))
}

// Root returns the root CID.
func (t *Tree) Root() cid.Cid {
	return t.root
}

// Leaves returns the leaves in tree order.
func (t *Tree) Leaves() []cid.Cid {
	out := make([]cid.Cid, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Path returns the L/R path line from root to the given leaf.
func (t *Tree) Path(leaf cid.Cid) (string, bool) {
	p, ok := t.paths[leaf]
	return p, ok
}

func join(prefix, dir string) string {
	if prefix == "" {
		return dir
	}
	return prefix + "/" + dir
}
