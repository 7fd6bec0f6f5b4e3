package coordinator

import (
	"context"
	"fmt"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// Handle is a Ready connection to the ledger contract. A Handle stays valid
// until a call detects the node is unreachable; after that the coordinator
// hands out a fresh one.
type Handle struct {
	coord  *Coordinator
	node   Node
	signer *identity.Signer
	info   ledger.NetworkInfo
}

// Network returns the network identity observed during the handshake.
func (h *Handle) Network() ledger.NetworkInfo { return h.info }

// Issuer returns the address transactions are signed with, or "" when the
// handle has no signer.
func (h *Handle) Issuer() identity.Address {
	if h.signer == nil {
		return ""
	}
	return h.signer.Address()
}

// Issue signs and submits an issue transaction.
func (h *Handle) Issue(ctx context.Context, subject string, fp fingerprint.Fingerprint, documentType, metadata string) (ledger.Receipt, error) {
	if h.signer == nil {
		return ledger.Receipt{}, ErrSignerUnavailable
	}
	tx, err := h.signer.SignIssue(h.info.NetworkID, subject, fp.String(), documentType, metadata)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("sign issue tx: %w", err)
	}
	r, err := h.node.Submit(ctx, tx)
	return r, h.check(err)
}

// Verify calls the contract's verify operation.
func (h *Handle) Verify(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Verification, error) {
	v, err := h.node.Verify(ctx, fp)
	return v, h.check(err)
}

// GetRecord returns the record for fp; found is false when it was never issued.
func (h *Handle) GetRecord(ctx context.Context, fp fingerprint.Fingerprint) (ledger.Record, bool, error) {
	rec, found, err := h.node.Record(ctx, fp)
	return rec, found, h.check(err)
}

// RecordsForSubject lists every fingerprint issued to subject.
func (h *Handle) RecordsForSubject(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error) {
	fps, err := h.node.SubjectRecords(ctx, identity.NormalizeSubject(subject))
	return fps, h.check(err)
}

// Subscribe delivers ledger events of the given kinds (all when none are
// given) emitted after the call. Close the returned Subscription to stop.
func (h *Handle) Subscribe(ctx context.Context, kinds ...ledger.EventKind) (*ledger.Subscription, error) {
	info, err := h.node.Network(ctx)
	if err != nil {
		return nil, h.check(err)
	}
	wait := h.coord.cfg.EventWait
	fetch := func(ctx context.Context, after uint64) ([]ledger.Event, error) {
		events, err := h.node.Events(ctx, after, wait)
		return events, h.check(err)
	}
	return ledger.NewSubscription(ctx, fetch, info.EventHead, h.coord.cfg.RetryDelay, kinds...), nil
}

// check invalidates the handle when err shows the node is unreachable, then
// returns err unchanged.
func (h *Handle) check(err error) error {
	if err != nil && isConnectionError(err) {
		h.coord.invalidate(h)
	}
	return err
}
