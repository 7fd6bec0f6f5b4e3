package service

import (
	"errors"
	"fmt"

	"github.com/Arnav-03/vecertify/internal/certify/repository"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

var (
	// ErrLedgerWriteFailed is returned when the issue transaction was rejected
	// or its outcome is unknown. It is never retried automatically.
	ErrLedgerWriteFailed = errors.New("ledger write failed")

	// ErrInconsistentState is matched by *InconsistentStateError.
	ErrInconsistentState = errors.New("ledger record written but certificate metadata was not saved")

	// ErrNotFound is returned when no off-ledger certificate exists.
	ErrNotFound = errors.New("certificate not found")

	// ErrDuplicateCertificate is returned when the certificate id was already
	// issued to the subject.
	ErrDuplicateCertificate = repository.ErrDuplicateCertificate
)

// InconsistentStateError reports an issuance whose ledger write succeeded
// but whose metadata write failed. The ledger record exists; reconciliation
// needs Fingerprint, CertificateID and Subject.
//
// It matches only ErrInconsistentState. Cause is not exposed through Unwrap,
// so a metadata write that lost a uniqueness race is never reported as a
// clean duplicate rejection.
type InconsistentStateError struct {
	Fingerprint   fingerprint.Fingerprint
	CertificateID string
	Subject       string
	Receipt       ledger.Receipt
	Cause         error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state: fingerprint %s anchored in tx %s but metadata for %s/%s not saved: %v",
		e.Fingerprint, e.Receipt.TxID, e.CertificateID, e.Subject, e.Cause)
}

// Is reports whether target is ErrInconsistentState.
func (e *InconsistentStateError) Is(target error) bool { return target == ErrInconsistentState }
