// Package car reads and writes content-addressable archives from an
// explicit set of blocks held in an in-memory blockstore.
package car

import (
	"bytes"
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	gocar "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// File is an in-memory CAR: a list of roots plus CID-addressed blocks in
// insertion order.
type File struct {
	roots []cid.Cid
	bs    blockstore.Blockstore
	order []cid.Cid
}

// NewFile creates an empty CAR with the given roots.
func NewFile(roots ...cid.Cid) *File {
	return &File{
		roots: roots,
		bs:    blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore())),
	}
}

// Roots returns the CAR's root CIDs.
func (f *File) Roots() []cid.Cid {
	return f.roots
}

// SetRoots replaces the CAR's root CIDs.
func (f *File) SetRoots(roots ...cid.Cid) {
	f.roots = roots
}

// Put adds a block. Re-adding an existing CID is a no-op.
func (f *File) Put(ctx context.Context, b blocks.Block) error {
	has, err := f.bs.Has(ctx, b.Cid())
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := f.bs.Put(ctx, b); err != nil {
		return err
	}
	f.order = append(f.order, b.Cid())
	return nil
}

// Get returns the block for a CID, or nil if absent.
func (f *File) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	b, err := f.bs.Get(ctx, c)
	if err != nil {
		if format.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// Has reports whether the CAR contains a block for the CID.
func (f *File) Has(ctx context.Context, c cid.Cid) bool {
	has, err := f.bs.Has(ctx, c)
	return err == nil && has
}

// Len returns the number of blocks.
func (f *File) Len() int {
	return len(f.order)
}

// CIDs returns the block CIDs in insertion order.
func (f *File) CIDs() []cid.Cid {
	out := make([]cid.Cid, len(f.order))
	copy(out, f.order)
	return out
}

// WriteTo serializes the CAR: CBOR header with roots, then length-delimited
// (cid, data) sections in insertion order.
func (f *File) WriteTo(ctx context.Context, w io.Writer) error {
	header := &gocar.CarHeader{Roots: f.roots, Version: 1}
	if err := gocar.WriteHeader(header, w); err != nil {
		return fmt.Errorf("write car header: %w", err)
	}
	for _, c := range f.order {
		b, err := f.bs.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("read block %s: %w", c, err)
		}
		if err := carutil.LdWrite(w, c.Bytes(), b.RawData()); err != nil {
			return fmt.Errorf("write block %s: %w", c, err)
		}
	}
	return nil
}

// Bytes serializes the CAR into a byte slice.
func (f *File) Bytes(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.WriteTo(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read parses a CAR stream into a File.
func Read(ctx context.Context, r io.Reader) (*File, error) {
	cr, err := gocar.NewCarReader(r)
	if err != nil {
		return nil, fmt.Errorf("read car header: %w", err)
	}
	f := NewFile(cr.Header.Roots...)
	for {
		b, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read car block: %w", err)
		}
		if err := f.Put(ctx, b); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Decode parses CAR bytes into a File.
func Decode(ctx context.Context, data []byte) (*File, error) {
	return Read(ctx, bytes.NewReader(data))
}
