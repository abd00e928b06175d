package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/model"
)

// SQLiteScheduleStore persists ledger schedule records in SQLite. The ledger
// writes through on every mutation and loads the full set at startup.
type SQLiteScheduleStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteScheduleStore opens (or creates) the schedule database.
func NewSQLiteScheduleStore(logger *zap.Logger, dbPath string) (*SQLiteScheduleStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteScheduleStore{
		logger: logger,
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteScheduleStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			creator TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			token TEXT NOT NULL,
			recipient TEXT NOT NULL,
			amount INTEGER NOT NULL,
			interval_seconds INTEGER NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			last_executed DATETIME,
			execution_count INTEGER NOT NULL,
			max_executions INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_creator ON schedules(creator);
		CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save upserts one schedule record.
func (s *SQLiteScheduleStore) Save(ctx context.Context, schedule *model.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, creator, type, status, token, recipient, amount,
			interval_seconds, start_time, end_time, last_executed,
			execution_count, max_executions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_executed = excluded.last_executed,
			execution_count = excluded.execution_count,
			updated_at = excluded.updated_at`,
		schedule.ID,
		schedule.Creator,
		string(schedule.Type),
		string(schedule.Status),
		schedule.Token,
		schedule.Recipient,
		schedule.Amount,
		int64(schedule.Interval/time.Second),
		schedule.StartTime,
		sql.NullTime{Time: timeOrZero(schedule.EndTime), Valid: schedule.EndTime != nil},
		sql.NullTime{Time: timeOrZero(schedule.LastExecuted), Valid: schedule.LastExecuted != nil},
		schedule.ExecutionCount,
		schedule.MaxExecutions,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// LoadAll returns every persisted schedule record.
func (s *SQLiteScheduleStore) LoadAll(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, creator, type, status, token, recipient, amount,
			interval_seconds, start_time, end_time, last_executed,
			execution_count, max_executions, created_at, updated_at
		FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule := &model.Schedule{}
		var scheduleType, status string
		var intervalSeconds int64
		var endTime, lastExecuted sql.NullTime

		err := rows.Scan(
			&schedule.ID,
			&schedule.Creator,
			&scheduleType,
			&status,
			&schedule.Token,
			&schedule.Recipient,
			&schedule.Amount,
			&intervalSeconds,
			&schedule.StartTime,
			&endTime,
			&lastExecuted,
			&schedule.ExecutionCount,
			&schedule.MaxExecutions,
			&schedule.CreatedAt,
			&schedule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedule.Type = model.ScheduleType(scheduleType)
		schedule.Status = model.ScheduleStatus(status)
		schedule.Interval = time.Duration(intervalSeconds) * time.Second
		if endTime.Valid {
			schedule.EndTime = &endTime.Time
		}
		if lastExecuted.Valid {
			schedule.LastExecuted = &lastExecuted.Time
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return schedules, nil
}

// Close closes the database connection.
func (s *SQLiteScheduleStore) Close() error {
	return s.db.Close()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
