package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

// advisoryLockKey serialises concurrent Apply calls across every node
// process sharing the database.
const advisoryLockKey = int64(3_133_700_001)

// PostgresStore persists the chain and the derived document state in
// PostgreSQL. Tables are created by migrations/001_ledger.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Init inserts the genesis entry if the chain is empty. Safe to call on
// every start.
func (s *PostgresStore) Init(ctx context.Context) error {
	g := genesisEntry(now())
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (idx, timestamp, kind, sender, subject, fingerprint, tx_id, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, '', '', '', $4, $5, $6, $7)
		 ON CONFLICT (idx) DO NOTHING`,
		g.Index, g.Timestamp, g.Kind, "genesis", g.DataHash, g.PrevHash, g.Hash,
	); err != nil {
		return fmt.Errorf("insert genesis entry: %w", err)
	}
	return nil
}

// Apply implements Store. It acquires a transaction-scoped advisory lock,
// reads the chain tail, and inserts the entry together with its effect.
func (s *PostgresStore) Apply(ctx context.Context, t Tx) (*Entry, error) {
	payloadJSON, err := json.Marshal(payloadFor(t))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var seen bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE tx_id = $1)", t.ID,
	).Scan(&seen); err != nil {
		return nil, fmt.Errorf("check tx id: %w", err)
	}
	if seen {
		return nil, ErrReplayed
	}

	if t.Kind == KindIssue && t.Exclusive {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM ledger_documents WHERE fingerprint = $1)", t.Record.Fingerprint.String(),
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check document: %w", err)
		}
		if exists {
			return nil, ErrAlreadyIssued
		}
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	entry := &Entry{
		Index:       prevIdx + 1,
		Timestamp:   now(),
		Kind:        t.Kind,
		Sender:      string(t.Sender),
		Subject:     subjectFor(t),
		Fingerprint: fingerprintFor(t),
		TxID:        t.ID,
		DataHash:    sha256Sum(payloadJSON),
		PrevHash:    prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (idx, timestamp, kind, sender, subject, fingerprint, tx_id, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Index, entry.Timestamp, entry.Kind, entry.Sender, entry.Subject,
		entry.Fingerprint, entry.TxID, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert chain entry: %w", err)
	}

	switch t.Kind {
	case KindIssue:
		r := t.Record
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_documents (fingerprint, subject, authority, issued_at, document_type, metadata, tx_id, entry_idx)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (fingerprint) DO UPDATE SET
			   subject = EXCLUDED.subject, authority = EXCLUDED.authority, issued_at = EXCLUDED.issued_at,
			   document_type = EXCLUDED.document_type, metadata = EXCLUDED.metadata,
			   tx_id = EXCLUDED.tx_id, entry_idx = EXCLUDED.entry_idx`,
			r.Fingerprint.String(), r.Subject, string(r.Authority), r.IssuedAt,
			r.DocumentType, r.Metadata, r.TxID, entry.Index,
		); err != nil {
			return nil, fmt.Errorf("upsert document: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_subject_documents (subject, fingerprint, entry_idx)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			r.Subject, r.Fingerprint.String(), entry.Index,
		); err != nil {
			return nil, fmt.Errorf("index subject document: %w", err)
		}
	case KindGrant:
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_authorities (address, granted_by, entry_idx)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			string(t.Authority), string(t.Sender), entry.Index,
		); err != nil {
			return nil, fmt.Errorf("insert authority: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger entry appended",
		zap.Int("idx", entry.Index),
		zap.String("kind", entry.Kind),
		zap.String("sender", entry.Sender),
	)
	return entry, nil
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, fp fingerprint.Fingerprint) (Record, bool, error) {
	var (
		rec       Record
		fpStr     string
		authority string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, subject, authority, issued_at, document_type, metadata, tx_id, entry_idx
		 FROM ledger_documents WHERE fingerprint = $1`, fp.String(),
	).Scan(&fpStr, &rec.Subject, &authority, &rec.IssuedAt, &rec.DocumentType, &rec.Metadata, &rec.TxID, &rec.EntryIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get document %s: %w", fp.Short(), err)
	}
	rec.Fingerprint = fingerprint.Fingerprint(fpStr)
	rec.Authority = identity.Address(authority)
	rec.IssuedAt = rec.IssuedAt.UTC()
	return rec, true, nil
}

// SubjectFingerprints implements Store.
func (s *PostgresStore) SubjectFingerprints(ctx context.Context, subject string) ([]fingerprint.Fingerprint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint FROM ledger_subject_documents WHERE subject = $1 ORDER BY entry_idx ASC`, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("list subject documents: %w", err)
	}
	defer rows.Close()

	out := []fingerprint.Fingerprint{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan subject document: %w", err)
		}
		out = append(out, fingerprint.Fingerprint(fp))
	}
	return out, rows.Err()
}

// Authorities implements Store.
func (s *PostgresStore) Authorities(ctx context.Context) ([]identity.Address, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM ledger_authorities ORDER BY entry_idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("list authorities: %w", err)
	}
	defer rows.Close()

	var out []identity.Address
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan authority: %w", err)
		}
		out = append(out, identity.Address(a))
	}
	return out, rows.Err()
}

const entryColumns = `idx, timestamp, kind, sender, subject, fingerprint, tx_id, data_hash, prev_hash, hash`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.Kind, &e.Sender, &e.Subject,
		&e.Fingerprint, &e.TxID, &e.DataHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idx = $1`, index,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chain entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chain entries: %w", err)
	}
	return n, nil
}

// Root implements Store.
func (s *PostgresStore) Root(ctx context.Context) (string, error) {
	var hash string
	if err := s.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get chain root: %w", err)
	}
	return hash, nil
}

// Verify implements Store. It streams all rows ordered by idx; O(n) in chain length.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan chain row: %w", err)
		}
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}
