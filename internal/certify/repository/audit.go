package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
)

// VerificationLogRepository stores verification audit entries in PostgreSQL.
type VerificationLogRepository struct {
	db *pgxpool.Pool
}

// NewVerificationLogRepository creates a new VerificationLogRepository.
func NewVerificationLogRepository(db *pgxpool.Pool) *VerificationLogRepository {
	return &VerificationLogRepository{db: db}
}

// Record implements audit.Sink.
func (r *VerificationLogRepository) Record(ctx context.Context, e *model.VerificationLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_log (id, fingerprint, file_name, verified_by, status, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Fingerprint.String(), e.FileName, e.VerifiedBy, e.Status, e.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verification log: %w", err)
	}
	return nil
}

// ListByFingerprint returns up to limit entries for fp, newest first.
func (r *VerificationLogRepository) ListByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, limit int) ([]*model.VerificationLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, fingerprint, file_name, verified_by, status, verified_at
		FROM verification_log WHERE fingerprint = $1
		ORDER BY verified_at DESC LIMIT $2`, fp.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list verification log: %w", err)
	}
	defer rows.Close()

	var out []*model.VerificationLog
	for rows.Next() {
		var (
			e  model.VerificationLog
			fs string
		)
		if err := rows.Scan(&e.ID, &fs, &e.FileName, &e.VerifiedBy, &e.Status, &e.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan verification log: %w", err)
		}
		e.Fingerprint = fingerprint.Fingerprint(fs)
		out = append(out, &e)
	}
	return out, rows.Err()
}
