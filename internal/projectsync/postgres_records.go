package projectsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordTableName  = "ledgerlink_sync_records"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresRecordStore persists SyncRecords one row per (tenant, remote id),
// with the full record as a JSON payload.
type PostgresRecordStore struct {
	dsn       string
	tableName string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRecordStore{
		dsn:       dsn,
		tableName: postgresRecordTableName,
	}, nil
}

func (s *PostgresRecordStore) Upsert(ctx context.Context, rec SyncRecord) error {
	if rec.TenantID == "" || rec.RemoteID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, remote_id, payload, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, remote_id)
		DO UPDATE SET payload = EXCLUDED.payload, last_synced_at = EXCLUDED.last_synced_at`,
		quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(opCtx, query, rec.TenantID, rec.RemoteID, string(payload), rec.LastSyncedAt.UTC())
	return err
}

func (s *PostgresRecordStore) Get(ctx context.Context, tenantID, remoteID string) (SyncRecord, error) {
	if err := s.ensureReady(); err != nil {
		return SyncRecord{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE tenant_id = $1 AND remote_id = $2",
		quoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(opCtx, query, tenantID, remoteID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return SyncRecord{}, err
	}
	var rec SyncRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return SyncRecord{}, err
	}
	return rec, nil
}

func (s *PostgresRecordStore) List(ctx context.Context, tenantID string, limit int) ([]SyncRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE tenant_id = $1 ORDER BY remote_id",
		quoteIdentifier(s.tableName))
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec SyncRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT NOT NULL,
				remote_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				last_synced_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (tenant_id, remote_id)
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
