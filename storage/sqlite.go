package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const pairwiseSchema = `
CREATE TABLE IF NOT EXISTS pairwise (
	my_did TEXT PRIMARY KEY,
	my_verkey TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('agent', 'connection')),
	owner_verkey TEXT NOT NULL,
	their_did TEXT NOT NULL,
	their_verkey TEXT NOT NULL,
	agent_did TEXT NOT NULL DEFAULT '',
	metadata BLOB,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairwise_owner ON pairwise(owner_verkey);
CREATE INDEX IF NOT EXISTS idx_pairwise_agent ON pairwise(agent_did) WHERE agent_did <> '';
`

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	path   string
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for a process-local store.
func NewSQLiteStore(path string, dek []byte) (*SQLiteStore, error) {
	sealer, err := NewSealer(dek)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(pairwiseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite connection store opened")

	return &SQLiteStore{
		db:     db,
		sealer: sealer,
		path:   path,
		now:    time.Now,
	}, nil
}

// SavePairwise inserts or replaces a record.
func (s *SQLiteStore) SavePairwise(ctx context.Context, rec *PairwiseRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	metadata, err := s.sealer.sealMetadata(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pairwise (my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(my_did) DO UPDATE SET
			my_verkey = excluded.my_verkey,
			kind = excluded.kind,
			owner_verkey = excluded.owner_verkey,
			their_did = excluded.their_did,
			their_verkey = excluded.their_verkey,
			agent_did = excluded.agent_did,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, rec.MyDID, rec.MyVerkey, string(rec.Kind), rec.OwnerVerkey, rec.TheirDID, rec.TheirVerkey,
		rec.AgentDID, metadata, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save pairwise record: %w", err)
	}

	return nil
}

// FindPairwise returns the requester's record for req.Identity.
func (s *SQLiteStore) FindPairwise(ctx context.Context, req LookupRequest) (*PairwiseRecord, error) {
	if err := req.Verify(s.now()); err != nil {
		log.Warn().Err(err).Str("owner_did", req.OwnerDID).Msg("Rejected pairwise lookup")
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at
		FROM pairwise
		WHERE owner_verkey = ? AND (my_did = ? OR my_verkey = ?)
		LIMIT 1
	`, req.OwnerVerkey, req.Identity, req.Identity)

	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pairwise record: %w", err)
	}

	return rec, nil
}

// ListPairwise returns every record owned by ownerVerkey, oldest first.
func (s *SQLiteStore) ListPairwise(ctx context.Context, ownerVerkey string) ([]PairwiseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at
		FROM pairwise
		WHERE owner_verkey = ?
		ORDER BY created_at, my_did
	`, ownerVerkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairwise records: %w", err)
	}
	defer rows.Close()

	var records []PairwiseRecord
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pairwise record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (*PairwiseRecord, error) {
	return scanRecord(row, s.sealer)
}

// scanRecord reads one pairwise row in the column order shared by the
// SQLite and Postgres queries.
func scanRecord(row rowScanner, sealer *Sealer) (*PairwiseRecord, error) {
	var rec PairwiseRecord
	var kind string
	var metadata []byte
	var createdAt, updatedAt int64

	if err := row.Scan(&rec.MyDID, &rec.MyVerkey, &kind, &rec.OwnerVerkey, &rec.TheirDID,
		&rec.TheirVerkey, &rec.AgentDID, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.Kind = Kind(kind)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	if err := sealer.openMetadata(&rec, metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}
