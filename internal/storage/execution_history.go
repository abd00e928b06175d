package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ExecutionAttempt records one keeper execution attempt and its outcome.
type ExecutionAttempt struct {
	ID             string    `json:"id"`
	ScheduleID     string    `json:"schedule_id"`
	KeeperID       string    `json:"keeper_id"`
	Success        bool      `json:"success"`
	Classification string    `json:"classification,omitempty"`
	Error          string    `json:"error,omitempty"`
	GasEstimate    int64     `json:"gas_estimate"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// ExecutionHistoryStorage defines the interface for execution attempt history
type ExecutionHistoryStorage interface {
	// Record stores one execution attempt
	Record(ctx context.Context, attempt *ExecutionAttempt) error

	// List retrieves attempts with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionAttempt, error)

	// DeleteBefore deletes attempts older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteExecutionHistory implements ExecutionHistoryStorage using SQLite
type SQLiteExecutionHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionHistory creates a new SQLite-based execution history store
func NewSQLiteExecutionHistory(logger *zap.Logger, dbPath string) (*SQLiteExecutionHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteExecutionHistory{
		logger: logger,
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteExecutionHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			keeper_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			classification TEXT,
			error TEXT,
			gas_estimate INTEGER,
			attempted_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_schedule_id ON execution_history(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_attempted_at ON execution_history(attempted_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements ExecutionHistoryStorage.Record
func (s *SQLiteExecutionHistory) Record(ctx context.Context, attempt *ExecutionAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, schedule_id, keeper_id, success, classification, error, gas_estimate, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.ScheduleID,
		attempt.KeeperID,
		attempt.Success,
		sql.NullString{String: attempt.Classification, Valid: attempt.Classification != ""},
		sql.NullString{String: attempt.Error, Valid: attempt.Error != ""},
		attempt.GasEstimate,
		attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution attempt: %w", err)
	}
	return nil
}

// List implements ExecutionHistoryStorage.List
func (s *SQLiteExecutionHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*ExecutionAttempt, error) {
	query := "SELECT id, schedule_id, keeper_id, success, classification, error, gas_estimate, attempted_at FROM execution_history"
	args := make([]interface{}, 0)

	if len(filters) > 0 {
		query += " WHERE"
		first := true
		for key, value := range filters {
			if !first {
				query += " AND"
			}
			query += fmt.Sprintf(" %s = ?", key)
			args = append(args, value)
			first = false
		}
	}

	query += " ORDER BY attempted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var attempts []*ExecutionAttempt
	for rows.Next() {
		attempt := &ExecutionAttempt{}
		var classification, errText sql.NullString

		err := rows.Scan(
			&attempt.ID,
			&attempt.ScheduleID,
			&attempt.KeeperID,
			&attempt.Success,
			&classification,
			&errText,
			&attempt.GasEstimate,
			&attempt.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution attempt: %w", err)
		}

		if classification.Valid {
			attempt.Classification = classification.String
		}
		if errText.Valid {
			attempt.Error = errText.String
		}

		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return attempts, nil
}

// DeleteBefore implements ExecutionHistoryStorage.DeleteBefore
func (s *SQLiteExecutionHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE attempted_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteExecutionHistory) Close() error {
	return s.db.Close()
}
