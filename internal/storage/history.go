package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Kind distinguishes orchestrator task attempts from scheduler job runs
type Kind string

const (
	KindTask Kind = "task"
	KindJob  Kind = "job"
)

// ErrRecordNotFound is returned when a record id is unknown
var ErrRecordNotFound = errors.New("execution record not found")

// ExecutionRecord represents one attempt of a task or one run of a job
type ExecutionRecord struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	RefID       string          `json:"ref_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Filter narrows List and Count. Empty fields are ignored.
type Filter struct {
	Kind   Kind
	RefID  string
	Name   string
	Status string
}

// HistoryStorage defines the interface for execution history storage
type HistoryStorage interface {
	// Store stores a new execution record
	Store(ctx context.Context, record *ExecutionRecord) error

	// Update records the outcome of an existing execution
	Update(ctx context.Context, record *ExecutionRecord) error

	// Get retrieves an execution record by ID
	Get(ctx context.Context, id string) (*ExecutionRecord, error)

	// List retrieves execution records, newest first
	List(ctx context.Context, filter Filter, offset, limit int) ([]*ExecutionRecord, error)

	// Count returns the number of records matching filter
	Count(ctx context.Context, filter Filter) (int, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteHistory implements HistoryStorage using SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens (or creates) the history database at dbPath
func NewSQLiteHistory(logger *zap.Logger, dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = zap.NewNop()
	}
	storage := &SQLiteHistory{
		logger: logger.Named("execution-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_ref ON execution_history(kind, ref_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_name ON execution_history(name);
		CREATE INDEX IF NOT EXISTS idx_execution_history_status ON execution_history(status);
		CREATE INDEX IF NOT EXISTS idx_execution_history_started_at ON execution_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements HistoryStorage.Store
func (s *SQLiteHistory) Store(ctx context.Context, record *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, kind, ref_id, name, status, attempt, payload, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Kind,
		record.RefID,
		record.Name,
		record.Status,
		record.Attempt,
		nullString(string(record.Payload)),
		record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

// Update implements HistoryStorage.Update
func (s *SQLiteHistory) Update(ctx context.Context, record *ExecutionRecord) error {
	completedAt := sql.NullTime{}
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: record.CompletedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_history SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?,
			metadata = ?
		WHERE id = ?`,
		record.Status,
		nullString(string(record.Result)),
		nullString(record.Error),
		completedAt,
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
		nullString(string(record.Metadata)),
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const selectColumns = `id, kind, ref_id, name, status, attempt, payload, result, error,
	started_at, completed_at, duration, metadata`

// Get implements HistoryStorage.Get
func (s *SQLiteHistory) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM execution_history WHERE id = ?", id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan execution record: %w", err)
	}
	return record, nil
}

// List implements HistoryStorage.List
func (s *SQLiteHistory) List(ctx context.Context, filter Filter, offset, limit int) ([]*ExecutionRecord, error) {
	where, args := filter.clause()
	query := "SELECT " + selectColumns + " FROM execution_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements HistoryStorage.Count
func (s *SQLiteHistory) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.clause()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements HistoryStorage.DeleteBefore
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

func (f Filter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(column, value string) {
		if value == "" {
			return
		}
		conds = append(conds, column+" = ?")
		args = append(args, value)
	}
	add("kind", string(f.Kind))
	add("ref_id", f.RefID)
	add("name", f.Name)
	add("status", f.Status)

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*ExecutionRecord, error) {
	record := &ExecutionRecord{}
	var payload, result, metadata, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&record.ID,
		&record.Kind,
		&record.RefID,
		&record.Name,
		&record.Status,
		&record.Attempt,
		&payload,
		&result,
		&errorStr,
		&record.StartedAt,
		&completedAt,
		&durationNanos,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		record.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		record.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		record.Error = errorStr.String
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	if metadata.Valid && metadata.String != "" {
		record.Metadata = json.RawMessage(metadata.String)
	}

	return record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
