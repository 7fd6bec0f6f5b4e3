package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
)

// MemoryCertificates is an in-memory certificate store with the same
// uniqueness rule as the Postgres table.
type MemoryCertificates struct {
	mu    sync.RWMutex
	certs []*model.Certificate
}

// NewMemoryCertificates creates an empty MemoryCertificates.
func NewMemoryCertificates() *MemoryCertificates {
	return &MemoryCertificates{}
}

// Create inserts c or returns ErrDuplicateCertificate.
func (m *MemoryCertificates) Create(_ context.Context, c *model.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.certs {
		if existing.CertificateID == c.CertificateID && existing.Subject == c.Subject {
			return ErrDuplicateCertificate
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.certs = append(m.certs, &cp)
	return nil
}

// GetByFingerprint returns the most recent certificate anchored under fp.
func (m *MemoryCertificates) GetByFingerprint(_ context.Context, fp fingerprint.Fingerprint) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.certs) - 1; i >= 0; i-- {
		if m.certs[i].Fingerprint == fp {
			cp := *m.certs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetByCertificateID returns the certificate issued as certificateID to subject.
func (m *MemoryCertificates) GetByCertificateID(_ context.Context, certificateID, subject string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.certs {
		if c.CertificateID == certificateID && c.Subject == subject {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListBySubject returns every certificate issued to subject, newest first.
func (m *MemoryCertificates) ListBySubject(_ context.Context, subject string) ([]*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Certificate
	for i := len(m.certs) - 1; i >= 0; i-- {
		if m.certs[i].Subject == subject {
			cp := *m.certs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryVerificationLog is an in-memory verification audit log.
type MemoryVerificationLog struct {
	mu      sync.RWMutex
	entries []*model.VerificationLog
}

// NewMemoryVerificationLog creates an empty MemoryVerificationLog.
func NewMemoryVerificationLog() *MemoryVerificationLog {
	return &MemoryVerificationLog{}
}

// Record implements audit.Sink.
func (m *MemoryVerificationLog) Record(_ context.Context, e *model.VerificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

// ListByFingerprint returns up to limit entries for fp, newest first.
func (m *MemoryVerificationLog) ListByFingerprint(_ context.Context, fp fingerprint.Fingerprint, limit int) ([]*model.VerificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.VerificationLog
	for _, e := range m.entries {
		if e.Fingerprint == fp {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VerifiedAt.After(out[j].VerifiedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of entries.
func (m *MemoryVerificationLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
