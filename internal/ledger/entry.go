package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the canonical hash of the genesis entry. The chain is
// anchored to this constant rather than to a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry kinds.
const (
	KindGenesis = "genesis"
	KindIssue   = "issue"
	KindGrant   = "grant"
)

// Entry is a single transaction in the ledger's hash chain.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	TxID        string    `json:"tx_id"`
	DataHash    string    `json:"data_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

func genesisEntry(ts time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: ts,
		Kind:      KindGenesis,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashEntry computes the chained hash of e. Never called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Kind, e.Sender, e.Subject, e.Fingerprint, e.TxID,
		e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// checkLink validates curr against its predecessor.
func checkLink(prev, curr *Entry) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// now returns the current time at the precision Postgres preserves, so a
// hash computed before insert still matches after a round-trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
