// Package ledger implements the document ledger contract: an append-only,
// authority-gated map from fingerprint to LedgerRecord.
//
// Every state change is a signed transaction recorded as an entry in a
// hash chain that begins with a well-known genesis entry (GenesisHash), so
// tampering with stored history is detectable via VerifyChain.
//
// Two Store implementations are provided:
//   - MemoryStore: in-process, for tests and single-node development.
//   - PostgresStore: durable, for production use.
package ledger

import (
	"errors"
	"time"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

var (
	// ErrUnauthorized is returned when the transaction sender is not an authority.
	ErrUnauthorized = errors.New("sender is not an authorized issuer")

	// ErrInvalidTransaction is returned for malformed, expired or badly signed transactions.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrWrongNetwork is returned when a transaction targets another network.
	ErrWrongNetwork = errors.New("transaction targets a different network")

	// ErrAlreadyIssued is returned in strict mode when a fingerprint already has a record.
	ErrAlreadyIssued = errors.New("document already issued")

	// ErrReplayed is returned when a transaction id has already been applied.
	ErrReplayed = errors.New("transaction already applied")

	// ErrNotFound is returned when a chain entry does not exist.
	ErrNotFound = errors.New("not found")
)

// Record is the on-ledger state for one fingerprint.
type Record struct {
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	Subject      string                  `json:"subject"`
	Authority    identity.Address        `json:"authority"`
	IssuedAt     time.Time               `json:"issued_at"`
	DocumentType string                  `json:"document_type"`
	Metadata     string                  `json:"metadata"`
	TxID         string                  `json:"tx_id"`
	EntryIndex   int                     `json:"entry_index"`
}

// Receipt acknowledges a committed transaction.
type Receipt struct {
	TxID       string    `json:"tx_id"`
	Kind       string    `json:"kind"`
	EntryIndex int       `json:"entry_index"`
	EntryHash  string    `json:"entry_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// Verification is the result of the contract's verify operation.
type Verification struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Found       bool                    `json:"found"`
	Subject     string                  `json:"subject,omitempty"`
}

// NetworkInfo identifies the ledger network a client is talking to.
type NetworkInfo struct {
	NetworkID uint64           `json:"network_id"`
	Name      string           `json:"name"`
	Owner     identity.Address `json:"owner"`
	Head      string           `json:"head"`
	Entries   int              `json:"entries"`
	EventHead uint64           `json:"event_head"`
}
