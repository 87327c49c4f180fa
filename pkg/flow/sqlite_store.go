package flow

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added status index for resume scans
const currentSchemaVersion = 1

const jobColumns = `id, parent_id, kind, idx, status, attempts, payload, result, error, created_at_ms, updated_at_ms`

// SQLiteJobStore keeps flows in a SQLite database so they survive restarts.
type SQLiteJobStore struct {
	db *sql.DB
}

// OpenSQLiteJobStore creates or opens the database at path and applies
// pragmas and migrations. Safe to call on an existing database.
func OpenSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_flow_jobs_status ON flow_jobs(status) WHERE parent_id IS NULL`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) CreateFlow(ctx context.Context, parent Job, children []Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flow: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO flow_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, j := range append([]Job{parent}, children...) {
		if _, err := tx.ExecContext(ctx, insert, jobArgs(j)...); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flow: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM flow_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *SQLiteJobStore) Children(ctx context.Context, parentID string) ([]Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM flow_jobs WHERE parent_id = ? ORDER BY idx`, parentID)
}

func (s *SQLiteJobStore) Update(ctx context.Context, job Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_jobs
		SET status = ?, attempts = ?, result = ?, error = ?, updated_at_ms = ?
		WHERE id = ?`,
		string(job.Status), job.Attempts, job.Result, job.Error, job.UpdatedAt.UnixMilli(), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteJobStore) UnfinishedParents(ctx context.Context) ([]Job, error) {
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM flow_jobs
		WHERE parent_id IS NULL AND status != ?
		ORDER BY created_at_ms, id`, string(StatusCompleted))
}

func (s *SQLiteJobStore) DeleteFlow(ctx context.Context, parentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_jobs WHERE parent_id = ? OR id = ?`, parentID, parentID)
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", parentID, err)
	}
	return nil
}

func (s *SQLiteJobStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteJobStore) query(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j         Job
		parentID  sql.NullString
		kind      string
		status    string
		createdMs int64
		updatedMs int64
	)
	err := row.Scan(&j.ID, &parentID, &kind, &j.Index, &status, &j.Attempts,
		&j.Payload, &j.Result, &j.Error, &createdMs, &updatedMs)
	if err != nil {
		return Job{}, err
	}
	j.ParentID = parentID.String
	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(createdMs)
	j.UpdatedAt = time.UnixMilli(updatedMs)
	return j, nil
}

func jobArgs(j Job) []any {
	var parentID sql.NullString
	if j.ParentID != "" {
		parentID = sql.NullString{String: j.ParentID, Valid: true}
	}
	return []any{
		j.ID, parentID, string(j.Kind), j.Index, string(j.Status), j.Attempts,
		j.Payload, j.Result, j.Error, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	}
}
