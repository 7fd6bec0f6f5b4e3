package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests and
// for single-node deployments that do not need state to survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     []*Entry
	txs         map[string]struct{}
	records     map[fingerprint.Fingerprint]Record
	subjects    map[string][]fingerprint.Fingerprint
	authorities []identity.Address
}

// NewMemoryStore creates a MemoryStore initialised with the genesis entry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  []*Entry{genesisEntry(now())},
		txs:      make(map[string]struct{}),
		records:  make(map[fingerprint.Fingerprint]Record),
		subjects: make(map[string][]fingerprint.Fingerprint),
	}
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, tx Tx) (*Entry, error) {
	payloadJSON, err := json.Marshal(payloadFor(tx))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.txs[tx.ID]; seen {
		return nil, ErrReplayed
	}
	if tx.Kind == KindIssue && tx.Exclusive {
		if _, exists := s.records[tx.Record.Fingerprint]; exists {
			return nil, ErrAlreadyIssued
		}
	}

	prev := s.entries[len(s.entries)-1]
	entry := &Entry{
		Index:       len(s.entries),
		Timestamp:   now(),
		Kind:        tx.Kind,
		Sender:      string(tx.Sender),
		Subject:     subjectFor(tx),
		Fingerprint: fingerprintFor(tx),
		TxID:        tx.ID,
		DataHash:    sha256Sum(payloadJSON),
		PrevHash:    prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	s.entries = append(s.entries, entry)
	s.txs[tx.ID] = struct{}{}

	switch tx.Kind {
	case KindIssue:
		rec := *tx.Record
		rec.EntryIndex = entry.Index
		s.records[rec.Fingerprint] = rec
		if !containsFingerprint(s.subjects[rec.Subject], rec.Fingerprint) {
			s.subjects[rec.Subject] = append(s.subjects[rec.Subject], rec.Fingerprint)
		}
	case KindGrant:
		for _, a := range s.authorities {
			if a == tx.Authority {
				return entry, nil
			}
		}
		s.authorities = append(s.authorities, tx.Authority)
	}
	return entry, nil
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, fp fingerprint.Fingerprint) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	return rec, ok, nil
}

// SubjectFingerprints implements Store.
func (s *MemoryStore) SubjectFingerprints(_ context.Context, subject string) ([]fingerprint.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fingerprint.Fingerprint, len(s.subjects[subject]))
	copy(out, s.subjects[subject])
	return out, nil
}

// Authorities implements Store.
func (s *MemoryStore) Authorities(_ context.Context) ([]identity.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Address, len(s.authorities))
	copy(out, s.authorities)
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, index int) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.entries) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	e := *s.entries[index]
	return &e, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Root implements Store.
func (s *MemoryStore) Root(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[len(s.entries)-1].Hash, nil
}

// Verify implements Store. The genesis entry is validated against GenesisHash.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, curr := range s.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if err := checkLink(s.entries[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

func containsFingerprint(list []fingerprint.Fingerprint, fp fingerprint.Fingerprint) bool {
	for _, f := range list {
		if f == fp {
			return true
		}
	}
	return false
}
