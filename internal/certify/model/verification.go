package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// Verification log statuses.
const (
	StatusVerified    = "verified"
	StatusNotVerified = "not_verified"
)

// Verdict is the authoritative result of a verification. It is computed on
// every request and never persisted.
type Verdict struct {
	Fingerprint  fingerprint.Fingerprint `json:"fingerprint"`
	IsAuthentic  bool                    `json:"is_authentic"`
	LedgerRecord *ledger.Record          `json:"ledger_record,omitempty"`
	Metadata     *ReconciledMetadata     `json:"metadata,omitempty"`
	// MetadataAvailable is false when the ledger confirmed the document but
	// the off-ledger record could not be read.
	MetadataAvailable bool   `json:"metadata_available"`
	Diagnostic        string `json:"diagnostic,omitempty"`

	// Analysis is advisory output of the tamper analyzer. It never affects
	// IsAuthentic.
	Analysis *Analysis `json:"analysis,omitempty"`
}

// ReconciledMetadata merges ledger-sourced fields with off-ledger descriptive
// fields. Ledger fields are always present on a positive verdict; the
// off-ledger ones are empty when MetadataAvailable is false.
type ReconciledMetadata struct {
	Issuer       identity.Address `json:"issuer"`
	IssuedAt     time.Time        `json:"issued_at"`
	DocumentType string           `json:"document_type"`
	Subject      string           `json:"subject"`

	CertificateID   string    `json:"certificate_id,omitempty"`
	CertificateName string    `json:"certificate_name,omitempty"`
	IssuerOrg       string    `json:"issuer_org,omitempty"`
	IssueDate       time.Time `json:"issue_date,omitempty"`
	CertificateURL  string    `json:"certificate_url,omitempty"`
}

// Analysis is the tamper analyzer's report.
type Analysis struct {
	Provider string `json:"provider"`
	Report   string `json:"report,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VerificationLog is the audit entry written for every verification attempt.
type VerificationLog struct {
	ID          uuid.UUID               `json:"id"          db:"id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint" db:"fingerprint"`
	FileName    string                  `json:"file_name"   db:"file_name"`
	VerifiedBy  string                  `json:"verified_by" db:"verified_by"`
	Status      string                  `json:"status"      db:"status"`
	VerifiedAt  time.Time               `json:"verified_at" db:"verified_at"`
}

// VerifyRequest carries the inputs of the verification path.
type VerifyRequest struct {
	FileName   string
	VerifiedBy string
	Document   []byte
}
