package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresKVTableName = "ledgerlink_kv"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKVBackend stores credential and tenant-selection entries in a
// single key/value table with per-row expiry. Expired rows are filtered on
// read and reclaimed lazily on write.
type PostgresKVBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKVBackend(dsn string) (KVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKVBackend{
		dsn:       dsn,
		tableName: postgresKVTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresKVBackend) Ping(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

func (b *PostgresKVBackend) Get(ctx context.Context, key string) (string, error) {
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE kv_key = $1 AND (expires_at IS NULL OR expires_at > NOW())",
		postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(opCtx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (b *PostgresKVBackend) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (kv_key, payload, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(opCtx, query, key, value, expiresAt); err != nil {
		return err
	}
	b.reapExpired(opCtx)
	return nil
}

func (b *PostgresKVBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(opCtx, query, key)
	return err
}

func (b *PostgresKVBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresKVBackend) reapExpired(ctx context.Context) {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()",
		postgresQuoteIdentifier(b.tableName))
	_, _ = b.db.ExecContext(ctx, query)
}

func (b *PostgresKVBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
