package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is a Store backed by a shared Postgres database, for
// relays that run more than one instance against the same records.
type PostgresStore struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	now    func() time.Time
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, dek []byte) (*PostgresStore, error) {
	sealer, err := NewSealer(dek)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Msg("Postgres connection store opened")

	return &PostgresStore{pool: pool, sealer: sealer, now: time.Now}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pairwise (
	my_did TEXT PRIMARY KEY,
	my_verkey TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('agent', 'connection')),
	owner_verkey TEXT NOT NULL,
	their_did TEXT NOT NULL,
	their_verkey TEXT NOT NULL,
	agent_did TEXT NOT NULL DEFAULT '',
	metadata BYTEA,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairwise_owner ON pairwise(owner_verkey);
`

// SavePairwise inserts or replaces a record.
func (s *PostgresStore) SavePairwise(ctx context.Context, rec *PairwiseRecord) error {
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

	_, err = s.pool.Exec(ctx, `
INSERT INTO pairwise (my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (my_did) DO UPDATE SET
	my_verkey = EXCLUDED.my_verkey,
	kind = EXCLUDED.kind,
	owner_verkey = EXCLUDED.owner_verkey,
	their_did = EXCLUDED.their_did,
	their_verkey = EXCLUDED.their_verkey,
	agent_did = EXCLUDED.agent_did,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at
`, rec.MyDID, rec.MyVerkey, string(rec.Kind), rec.OwnerVerkey, rec.TheirDID, rec.TheirVerkey,
		rec.AgentDID, metadata, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save pairwise record: %w", err)
	}
	return nil
}

// FindPairwise returns the requester's record for req.Identity.
func (s *PostgresStore) FindPairwise(ctx context.Context, req LookupRequest) (*PairwiseRecord, error) {
	if err := req.Verify(s.now()); err != nil {
		log.Warn().Err(err).Str("owner_did", req.OwnerDID).Msg("Rejected pairwise lookup")
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
SELECT my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at
FROM pairwise
WHERE owner_verkey = $1 AND (my_did = $2 OR my_verkey = $2)
LIMIT 1
`, req.OwnerVerkey, req.Identity)

	rec, err := scanRecord(row, s.sealer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pairwise record: %w", err)
	}
	return rec, nil
}

// ListPairwise returns every record owned by ownerVerkey, oldest first.
func (s *PostgresStore) ListPairwise(ctx context.Context, ownerVerkey string) ([]PairwiseRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT my_did, my_verkey, kind, owner_verkey, their_did, their_verkey, agent_did, metadata, created_at, updated_at
FROM pairwise
WHERE owner_verkey = $1
ORDER BY created_at, my_did
`, ownerVerkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairwise records: %w", err)
	}
	defer rows.Close()

	var records []PairwiseRecord
	for rows.Next() {
		rec, err := scanRecord(rows, s.sealer)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pairwise record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
