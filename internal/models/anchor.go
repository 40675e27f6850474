package models

import (
	"time"

	"github.com/google/uuid"
)

// Anchor is the persisted proof that a request's tip commit was included in
// an anchored Merkle tree. (path, proof_cid) reconstructs the witness.
type Anchor struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RequestID uuid.UUID `json:"requestId" db:"request_id"`
	Path      string    `json:"path" db:"path"`
	CID       string    `json:"cid" db:"cid"`
	ProofCID  string    `json:"proofCid" db:"proof_cid"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Transaction is the blockchain receipt for one anchored Merkle root.
type Transaction struct {
	Chain          string
	TxHash         string
	BlockNumber    uint64
	BlockTimestamp int64
}
