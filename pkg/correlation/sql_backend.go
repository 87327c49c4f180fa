package correlation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlTableName        = "picobridge_correlations"
	sqlOperationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	blobType    string
	pragmas     []string
	placeholder func(n int) string
}

var (
	sqliteDialect = sqlDialect{
		driver:   "sqlite3",
		blobType: "BLOB",
		pragmas: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		},
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = sqlDialect{
		driver:      "postgres",
		blobType:    "BYTEA",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// SQLBackend stores one row per origin. Each save replaces the table
// contents inside a single transaction.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	table   string
	openDB  sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidDSN)
	}
	return &SQLBackend{dsn: path, dialect: sqliteDialect, table: sqlTableName, openDB: sql.Open}, nil
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidDSN)
	}
	return &SQLBackend{dsn: dsn, dialect: postgresDialect, table: sqlTableName, openDB: sql.Open}, nil
}

// ensureReady opens the database on first use. A failed attempt is not
// remembered, so the next Load or Save tries again.
func (b *SQLBackend) ensureReady(ctx context.Context) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	if b.dialect.driver == sqliteDialect.driver {
		if dir := filepath.Dir(b.dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := b.openDB(b.dialect.driver, b.dsn)
	if err != nil {
		return nil, err
	}
	if b.dialect.driver == sqliteDialect.driver {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	for _, pragma := range b.dialect.pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			origin_key TEXT PRIMARY KEY,
			mirrors %s NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`, quoteIdentifier(b.table), b.dialect.blobType)
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *SQLBackend) Load(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	db, err := b.ensureReady(ctx)
	if err != nil {
		return nil, ioErr("load", b.table, err)
	}

	query := fmt.Sprintf("SELECT origin_key, mirrors, created_at_ms FROM %s", quoteIdentifier(b.table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, ioErr("load", b.table, err)
	}
	defer rows.Close()

	snap := NewSnapshot()
	for rows.Next() {
		var (
			key       string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&key, &payload, &createdAt); err != nil {
			return nil, ioErr("load", b.table, err)
		}
		mirrors, err := decodeMirrorKeys(payload)
		if err != nil {
			return nil, corruptErr("load", b.table, fmt.Errorf("%s: %w", key, err))
		}
		snap.Messages[key] = mirrors
		snap.Timestamps[key] = createdAt
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("load", b.table, err)
	}
	return snap, nil
}

func (b *SQLBackend) Save(ctx context.Context, snap *Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	db, err := b.ensureReady(ctx)
	if err != nil {
		return ioErr("save", b.table, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("save", b.table, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	table := quoteIdentifier(b.table)
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return ioErr("save", b.table, err)
	}
	insert := fmt.Sprintf("INSERT INTO %s (origin_key, mirrors, created_at_ms) VALUES (%s, %s, %s)",
		table, b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return ioErr("save", b.table, err)
	}
	defer stmt.Close()

	if snap != nil {
		for key, mirrors := range snap.Messages {
			payload, err := encodeMirrorKeys(mirrors)
			if err != nil {
				return ioErr("save", b.table, err)
			}
			if _, err := stmt.ExecContext(ctx, key, payload, snap.Timestamps[key]); err != nil {
				return ioErr("save", b.table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr("save", b.table, err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
