package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlMirrorTableName  = "schediq_mirror"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	upsert      string
	createType  string
	placeholder func(n int) string
}

var postgresDialect = sqlDialect{
	driver:      "postgres",
	createType:  "TIMESTAMPTZ NOT NULL DEFAULT NOW()",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	upsert: `
		INSERT INTO %s (mirror_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (mirror_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver:      "sqlite",
	createType:  "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
	placeholder: func(int) string { return "?" },
	upsert: `
		INSERT INTO %s (mirror_key, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (mirror_key)
		DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
}

// SQLBackend keeps every key as a row of a single table. The table is created
// on first use.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: sqlMirrorTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return &SQLBackend{
		dsn:       path,
		tableName: sqlMirrorTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE mirror_key = %s", quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	var payload string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *SQLBackend) Save(ctx context.Context, key string, data []byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(b.dialect.upsert, quoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key, string(data))
	return err
}

func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE mirror_key = %s", quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				mirror_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at %s
			)`, quoteIdentifier(b.tableName), b.dialect.createType)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
