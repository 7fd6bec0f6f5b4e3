package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// DateLayout is the wire format of IssueDate.
const DateLayout = "2006-01-02"

// Certificate is the off-ledger record of an issued certificate. It is
// created once after the ledger accepted the issue transaction and is never
// mutated. (CertificateID, Subject) is unique.
type Certificate struct {
	ID              uuid.UUID               `json:"id"               db:"id"`
	Fingerprint     fingerprint.Fingerprint `json:"fingerprint"      db:"fingerprint"`
	CertificateID   string                  `json:"certificate_id"   db:"certificate_id"`
	Subject         string                  `json:"subject"          db:"subject"`
	CertificateName string                  `json:"certificate_name" db:"certificate_name"`
	IssueDate       time.Time               `json:"issue_date"       db:"issue_date"`
	Issuer          identity.Address        `json:"issuer"           db:"issuer"`
	IssuerOrg       string                  `json:"issuer_org"       db:"issuer_org"`
	CertificateURL  string                  `json:"certificate_url"  db:"certificate_url"`
	CreatedAt       time.Time               `json:"created_at"       db:"created_at"`
}

// IssueRequest carries the inputs of the issuance path. Document holds the
// certificate file.
type IssueRequest struct {
	CertificateID   string
	Subject         string
	CertificateName string
	IssueDate       time.Time
	IssuerOrg       string
	FileName        string
	ContentType     string
	Document        []byte
}

// Validate normalises the request and checks required fields.
func (r *IssueRequest) Validate() error {
	r.CertificateID = strings.TrimSpace(r.CertificateID)
	r.Subject = identity.NormalizeSubject(r.Subject)
	r.CertificateName = strings.TrimSpace(r.CertificateName)
	r.IssuerOrg = strings.TrimSpace(r.IssuerOrg)

	switch {
	case r.CertificateID == "":
		return &ErrValidation{Msg: "certificate_id is required"}
	case r.Subject == "":
		return &ErrValidation{Msg: "subject is required"}
	case r.CertificateName == "":
		return &ErrValidation{Msg: "certificate_name is required"}
	case r.IssueDate.IsZero():
		return &ErrValidation{Msg: "issue_date is required"}
	case len(r.Document) == 0:
		return &ErrValidation{Msg: "document is empty"}
	}
	return nil
}

// IssueResult is returned by a successful issuance.
type IssueResult struct {
	Certificate *Certificate   `json:"certificate"`
	Receipt     ledger.Receipt `json:"receipt"`
}

// SubjectDocument pairs a fingerprint anchored to a subject with its
// off-ledger record, when one exists.
type SubjectDocument struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Certificate *Certificate            `json:"certificate,omitempty"`
}

// ErrValidation is returned by service methods when the caller supplies
// invalid input.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }
