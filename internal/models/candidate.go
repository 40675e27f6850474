package models

import (
	"github.com/ipfs/go-cid"
)

// Candidate is the in-memory selection state for one stream during a single
// anchor batch. It carries every in-flight request for the stream, the tip
// request chosen for anchoring, and the requests rejected by conflict
// resolution.
type Candidate struct {
	StreamID string
	Requests []*Request

	// Selected during candidate construction.
	Tip      *Request
	TipCID   cid.Cid
	Rejected []*Request

	// Filled once the anchor commit is computed.
	AnchorCID cid.Cid
	ProofCID  cid.Cid
	Path      string
}

// AllRejected returns true when no request of the stream could be selected.
func (c *Candidate) AllRejected() bool {
	return c.Tip == nil && len(c.Rejected) == len(c.Requests)
}
