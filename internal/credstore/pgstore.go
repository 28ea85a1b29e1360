// internal/credstore/pgstore.go
package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PGStore is the Postgres credential backend, selected when store.dsn is set.
// Records are upserted on (session_id, domain) with the credential list held
// as JSONB.
type PGStore struct {
	pool DBPool
	log  *zap.Logger
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS credential_records (
    session_id  TEXT        NOT NULL,
    domain      TEXT        NOT NULL,
    saved_at    TIMESTAMPTZ NOT NULL,
    credentials JSONB       NOT NULL,
    PRIMARY KEY (session_id, domain)
)`

// NewPGStore connects to the database and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string, logger *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to credential database: %w", err)
	}
	store, err := NewPGStoreWithPool(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPGStoreWithPool wires an existing pool, verifying connectivity and schema.
func NewPGStoreWithPool(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging credential database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("ensuring credential schema: %w", err)
	}
	return &PGStore{pool: pool, log: logger.Named("pgstore")}, nil
}

// Save upserts the record on (session_id, domain).
func (p *PGStore) Save(ctx context.Context, record *schemas.CredentialRecord) error {
	payload, err := json.Marshal(record.Credentials)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO credential_records (session_id, domain, saved_at, credentials)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, domain)
		DO UPDATE SET saved_at = EXCLUDED.saved_at, credentials = EXCLUDED.credentials`,
		record.SessionID, record.Domain, record.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("upserting credential record: %w", err)
	}
	return nil
}

// Load fetches the record for (sessionID, domain), (nil, nil) when absent.
// Undecodable stored JSON is reported as absent after an error log, matching
// the file backend's quarantine semantics as closely as SQL allows.
func (p *PGStore) Load(ctx context.Context, sessionID, domain string) (*schemas.CredentialRecord, error) {
	record := &schemas.CredentialRecord{SessionID: sessionID, Domain: domain}
	var payload []byte

	err := p.pool.QueryRow(ctx, `
		SELECT saved_at, credentials FROM credential_records
		WHERE session_id = $1 AND domain = $2`,
		sessionID, domain).Scan(&record.Timestamp, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential record: %w", err)
	}

	if err := json.Unmarshal(payload, &record.Credentials); err != nil {
		p.log.Error("Stored credential payload is undecodable.",
			zap.String("session_id", sessionID), zap.String("domain", domain),
			zap.Error(err))
		return nil, nil
	}
	return record, nil
}

// Delete removes the record. Deleting an absent record succeeds.
func (p *PGStore) Delete(ctx context.Context, sessionID, domain string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM credential_records WHERE session_id = $1 AND domain = $2`,
		sessionID, domain)
	if err != nil {
		return fmt.Errorf("deleting credential record: %w", err)
	}
	return nil
}

// List returns every stored record.
func (p *PGStore) List(ctx context.Context) ([]*schemas.CredentialRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, domain, saved_at, credentials FROM credential_records`)
	if err != nil {
		return nil, fmt.Errorf("listing credential records: %w", err)
	}
	defer rows.Close()

	var records []*schemas.CredentialRecord
	for rows.Next() {
		record := &schemas.CredentialRecord{}
		var payload []byte
		if err := rows.Scan(&record.SessionID, &record.Domain, &record.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scanning credential record: %w", err)
		}
		if err := json.Unmarshal(payload, &record.Credentials); err != nil {
			p.log.Error("Skipping undecodable credential payload.",
				zap.String("session_id", record.SessionID),
				zap.String("domain", record.Domain), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential records: %w", err)
	}
	return records, nil
}

// Close releases the underlying pool.
func (p *PGStore) Close() error {
	p.pool.Close()
	return nil
}
