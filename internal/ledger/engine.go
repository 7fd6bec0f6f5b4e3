package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

// Config holds the contract parameters of a ledger node.
type Config struct {
	NetworkID uint64
	Name      string
	// Authorities are issuer addresses authorized at start-up, in addition to
	// the owner and any address added by a grant transaction.
	Authorities []identity.Address
	// RejectReissue turns re-issuing an existing fingerprint into ErrAlreadyIssued.
	RejectReissue bool
	// EventBuffer is the number of events retained for subscribers.
	EventBuffer int
}

// Engine executes contract operations against a Store. It is safe for
// concurrent use.
type Engine struct {
	cfg    Config
	owner  identity.Address
	store  Store
	hub    *hub
	logger *zap.Logger

	mu          sync.RWMutex
	authorities map[identity.Address]bool
}

// NewEngine creates an Engine owned by owner. Authorities previously granted
// in store are loaded so a restarted node keeps them.
func NewEngine(ctx context.Context, cfg Config, owner identity.Address, store Store, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		owner:       owner,
		store:       store,
		hub:         newHub(cfg.EventBuffer),
		logger:      logger,
		authorities: map[identity.Address]bool{owner: true},
	}
	for _, a := range cfg.Authorities {
		e.authorities[a] = true
	}
	granted, err := store.Authorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load authorities: %w", err)
	}
	for _, a := range granted {
		e.authorities[a] = true
	}
	if n, err := store.Len(ctx); err == nil {
		chainLength.Set(float64(n))
	}
	return e, nil
}

// Owner returns the contract owner address.
func (e *Engine) Owner() identity.Address { return e.owner }

// IsAuthority reports whether addr may issue documents.
func (e *Engine) IsAuthority(addr identity.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authorities[addr]
}

// Network returns the node's network identity and chain head.
func (e *Engine) Network(ctx context.Context) (NetworkInfo, error) {
	root, err := e.store.Root(ctx)
	if err != nil {
		return NetworkInfo{}, err
	}
	n, err := e.store.Len(ctx)
	if err != nil {
		return NetworkInfo{}, err
	}
	return NetworkInfo{
		NetworkID: e.cfg.NetworkID,
		Name:      e.cfg.Name,
		Owner:     e.owner,
		Head:      root,
		Entries:   n,
		EventHead: e.hub.head(),
	}, nil
}

// Submit validates and applies a signed transaction.
func (e *Engine) Submit(ctx context.Context, token string) (Receipt, error) {
	return e.SubmitKind(ctx, token, "")
}

// SubmitKind is Submit restricted to one transaction kind. An empty kind
// accepts any.
func (e *Engine) SubmitKind(ctx context.Context, token string, kind identity.TxKind) (Receipt, error) {
	claims, err := identity.VerifyTx(token, e.cfg.NetworkID)
	if err != nil {
		txTotal.WithLabelValues("unknown", "invalid").Inc()
		if errors.Is(err, identity.ErrNetworkMismatch) {
			return Receipt{}, fmt.Errorf("%w: %v", ErrWrongNetwork, err)
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	if kind != "" && claims.Kind != kind {
		txTotal.WithLabelValues(string(claims.Kind), "invalid").Inc()
		return Receipt{}, fmt.Errorf("%w: expected %s transaction, got %s", ErrInvalidTransaction, kind, claims.Kind)
	}

	var r Receipt
	switch claims.Kind {
	case identity.TxIssue:
		r, err = e.issue(ctx, claims)
	case identity.TxGrant:
		r, err = e.grant(ctx, claims)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, claims.Kind)
	}
	if err != nil {
		txTotal.WithLabelValues(string(claims.Kind), outcome(err)).Inc()
		return Receipt{}, err
	}
	txTotal.WithLabelValues(string(claims.Kind), "committed").Inc()
	if n, err := e.store.Len(ctx); err == nil {
		chainLength.Set(float64(n))
	}
	return r, nil
}

func (e *Engine) issue(ctx context.Context, claims *identity.TxClaims) (Receipt, error) {
	sender := claims.Sender()
	if !e.IsAuthority(sender) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorized, sender)
	}
	fp, err := fingerprint.Parse(claims.Fingerprint)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	rec := &Record{
		Fingerprint:  fp,
		Subject:      claims.Subject,
		Authority:    sender,
		IssuedAt:     now(),
		DocumentType: claims.DocumentType,
		Metadata:     claims.Metadata,
		TxID:         claims.ID,
	}
	entry, err := e.store.Apply(ctx, Tx{
		ID:        claims.ID,
		Kind:      KindIssue,
		Sender:    sender,
		Record:    rec,
		Exclusive: e.cfg.RejectReissue,
	})
	if err != nil {
		return Receipt{}, err
	}

	e.hub.publish(Event{
		Kind:        EventDocumentSubmitted,
		Subject:     rec.Subject,
		Fingerprint: fp,
		Authority:   sender,
		Timestamp:   entry.Timestamp,
	})
	e.logger.Info("document submitted",
		zap.String("fingerprint", fp.String()),
		zap.String("subject", rec.Subject),
		zap.String("authority", string(sender)),
		zap.Int("entry", entry.Index),
	)
	return receiptFor(entry), nil
}

func (e *Engine) grant(ctx context.Context, claims *identity.TxClaims) (Receipt, error) {
	sender := claims.Sender()
	if sender != e.owner {
		return Receipt{}, fmt.Errorf("%w: only the owner may grant authority", ErrUnauthorized)
	}
	authority := identity.Address(claims.Subject)
	entry, err := e.store.Apply(ctx, Tx{
		ID:        claims.ID,
		Kind:      KindGrant,
		Sender:    sender,
		Authority: authority,
	})
	if err != nil {
		return Receipt{}, err
	}

	e.mu.Lock()
	e.authorities[authority] = true
	e.mu.Unlock()

	e.hub.publish(Event{
		Kind:      EventAuthorityGranted,
		Authority: authority,
		Timestamp: entry.Timestamp,
	})
	e.logger.Info("authority granted", zap.String("authority", string(authority)))
	return receiptFor(entry), nil
}

// Verify reports whether fp has a record and emits DocumentVerified. It
// requires no authority.
func (e *Engine) Verify(ctx context.Context, fp fingerprint.Fingerprint) (Verification, error) {
	rec, found, err := e.store.Record(ctx, fp)
	if err != nil {
		return Verification{}, err
	}
	verifyTotal.WithLabelValues(strconv.FormatBool(found)).Inc()
	result := found
	e.hub.publish(Event{
		Kind:        EventDocumentVerified,
		Subject:     rec.Subject,
		Fingerprint: fp,
		Result:      &result,
	})
	return Verification{Fingerprint: fp, Found: found, Subject: rec.Subject}, nil
}

// Record returns the record for fp. Absence is reported by the bool, never
// by an error.
func (e *Engine) Record(ctx context.Context, fp fingerprint.Fingerprint) (Record, bool, error) {
	return e.store.Record(ctx, fp)
}

// SubjectRecords returns every fingerprint issued to subject.
func (e *Engine) SubjectRecords(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error) {
	return e.store.SubjectFingerprints(ctx, identity.NormalizeSubject(subject))
}

// Events returns up to limit events with Seq > after, waiting up to wait for
// one to arrive when none are retained yet.
func (e *Engine) Events(ctx context.Context, after uint64, limit int, wait time.Duration) ([]Event, error) {
	return e.hub.wait(ctx, after, limit, wait)
}

// EventHead returns the sequence number of the most recent event.
func (e *Engine) EventHead() uint64 { return e.hub.head() }

// Subscribe delivers future events of the given kinds in-process.
func (e *Engine) Subscribe(ctx context.Context, kinds ...EventKind) *Subscription {
	fetch := func(ctx context.Context, after uint64) ([]Event, error) {
		return e.hub.wait(ctx, after, 0, 30*time.Second)
	}
	return NewSubscription(ctx, fetch, e.hub.head(), 100*time.Millisecond, kinds...)
}

// Chain returns the current chain length and root hash.
func (e *Engine) Chain(ctx context.Context) (int, string, error) {
	n, err := e.store.Len(ctx)
	if err != nil {
		return 0, "", err
	}
	root, err := e.store.Root(ctx)
	if err != nil {
		return 0, "", err
	}
	return n, root, nil
}

// Entry returns the chain entry at index.
func (e *Engine) Entry(ctx context.Context, index int) (*Entry, error) {
	return e.store.Get(ctx, index)
}

// VerifyChain validates the transaction chain.
func (e *Engine) VerifyChain(ctx context.Context) error {
	return e.store.Verify(ctx)
}

func receiptFor(entry *Entry) Receipt {
	return Receipt{
		TxID:       entry.TxID,
		Kind:       entry.Kind,
		EntryIndex: entry.Index,
		EntryHash:  entry.Hash,
		Timestamp:  entry.Timestamp,
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyIssued):
		return "already_issued"
	case errors.Is(err, ErrReplayed):
		return "replayed"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid"
	default:
		return "error"
	}
}
