package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

var (
	// ErrNotFound is returned when no certificate matches.
	ErrNotFound = errors.New("certificate not found")

	// ErrDuplicateCertificate is returned when (certificate_id, subject) already exists.
	ErrDuplicateCertificate = errors.New("certificate already issued to this subject")
)

// CertificateRepository stores off-ledger certificate records in PostgreSQL.
type CertificateRepository struct {
	db *pgxpool.Pool
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(db *pgxpool.Pool) *CertificateRepository {
	return &CertificateRepository{db: db}
}

const certificateColumns = `id, fingerprint, certificate_id, subject, certificate_name, issue_date,
	issuer, issuer_org, certificate_url, created_at`

// Create inserts c, assigning its ID and CreatedAt. The unique index on
// (certificate_id, subject) turns a duplicate into ErrDuplicateCertificate.
func (r *CertificateRepository) Create(ctx context.Context, c *model.Certificate) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, `
		INSERT INTO certificates (`+certificateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Fingerprint.String(), c.CertificateID, c.Subject, c.CertificateName,
		c.IssueDate, string(c.Issuer), c.IssuerOrg, c.CertificateURL, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCertificate
		}
		return fmt.Errorf("create certificate: %w", err)
	}
	return nil
}

// GetByFingerprint returns the most recent certificate anchored under fp.
func (r *CertificateRepository) GetByFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (*model.Certificate, error) {
	c, err := scanCertificate(r.db.QueryRow(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`, fp.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate by fingerprint: %w", err)
	}
	return c, nil
}

// GetByCertificateID returns the certificate issued as certificateID to subject.
func (r *CertificateRepository) GetByCertificateID(ctx context.Context, certificateID, subject string) (*model.Certificate, error) {
	c, err := scanCertificate(r.db.QueryRow(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE certificate_id = $1 AND subject = $2`, certificateID, subject))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate by id: %w", err)
	}
	return c, nil
}

// ListBySubject returns every certificate issued to subject, newest first.
func (r *CertificateRepository) ListBySubject(ctx context.Context, subject string) ([]*model.Certificate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE subject = $1 ORDER BY created_at DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var out []*model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	var (
		c      model.Certificate
		fp     string
		issuer string
	)
	if err := row.Scan(
		&c.ID, &fp, &c.CertificateID, &c.Subject, &c.CertificateName, &c.IssueDate,
		&issuer, &c.IssuerOrg, &c.CertificateURL, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.Fingerprint = fingerprint.Fingerprint(fp)
	c.Issuer = identity.Address(issuer)
	return &c, nil
}
