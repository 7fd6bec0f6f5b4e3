package ledger

import (
	"context"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

// Tx is a validated state change ready to be appended to a Store.
type Tx struct {
	ID     string
	Kind   string
	Sender identity.Address

	// Record is set for KindIssue.
	Record *Record
	// Exclusive makes an issue fail with ErrAlreadyIssued when the
	// fingerprint already has a record. The check is atomic with the append.
	Exclusive bool

	// Authority is set for KindGrant.
	Authority identity.Address
}

// Store persists the hash-chained transaction log and the state derived
// from it. Implementations must be safe for concurrent use and must apply
// a Tx atomically: either the entry and its effect are both visible or
// neither is.
type Store interface {
	// Apply appends tx to the chain and applies its effect. A Tx whose ID was
	// already applied fails with ErrReplayed.
	Apply(ctx context.Context, tx Tx) (*Entry, error)

	// Record returns the current record for fp. The bool is false when the
	// fingerprint has never been issued.
	Record(ctx context.Context, fp fingerprint.Fingerprint) (Record, bool, error)

	// SubjectFingerprints returns every fingerprint issued to subject.
	SubjectFingerprints(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error)

	// Authorities returns the addresses added through grant transactions.
	Authorities(ctx context.Context) ([]identity.Address, error)

	// Get returns the chain entry at index, or ErrNotFound.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries, including genesis.
	Len(ctx context.Context) (int, error)

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)

	// Verify walks the chain and validates every link.
	Verify(ctx context.Context) error
}

func payloadFor(tx Tx) any {
	switch tx.Kind {
	case KindIssue:
		return tx.Record
	case KindGrant:
		return map[string]string{"authority": string(tx.Authority)}
	}
	return nil
}

func subjectFor(tx Tx) string {
	switch tx.Kind {
	case KindIssue:
		return tx.Record.Subject
	case KindGrant:
		return string(tx.Authority)
	}
	return ""
}

func fingerprintFor(tx Tx) string {
	if tx.Kind == KindIssue {
		return tx.Record.Fingerprint.String()
	}
	return ""
}
