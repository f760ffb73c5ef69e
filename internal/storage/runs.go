package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// PollRun is the persisted record of one poll from first observation to outcome
type PollRun struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	InstanceName     string    `json:"instance_name"`
	InstanceID       string    `json:"instance_id,omitempty"`
	TargetStatus     string    `json:"target_status"`
	Outcome          string    `json:"outcome"`
	LastStatus       string    `json:"last_status,omitempty"`
	PrefixMatch      bool      `json:"prefix_match"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	Transitions      int       `json:"transitions"`
	TransientErrors  int       `json:"transient_errors"`
	AlreadyConverged bool      `json:"already_converged"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Duration returns how long the poll ran
func (r *PollRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunFilter defines criteria for listing poll runs
type RunFilter struct {
	InstanceName string
	Outcome      string
	Since        time.Time
	Limit        int
}

// RunStore handles poll run persistence
type RunStore struct {
	db *DB
}

// NewRunStore creates a new poll run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Record inserts a finished poll run
func (s *RunStore) Record(ctx context.Context, run *PollRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO poll_runs (
			id, provider, instance_name, instance_id, target_status,
			outcome, last_status, prefix_match, attempts, max_attempts,
			transitions, transient_errors, already_converged, error,
			started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Provider, run.InstanceName, nullString(run.InstanceID), run.TargetStatus,
		run.Outcome, nullString(run.LastStatus), run.PrefixMatch, run.Attempts, run.MaxAttempts,
		run.Transitions, run.TransientErrors, run.AlreadyConverged, nullString(run.Error),
		run.StartedAt.UTC(), run.FinishedAt.UTC(), run.CreatedAt.UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to record poll run: %w", err)
	}

	return nil
}

// Get retrieves a poll run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*PollRun, error) {
	query := `SELECT ` + pollRunColumns + ` FROM poll_runs WHERE id = ?`

	run, err := scanPollRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get poll run: %w", err)
	}
	return run, nil
}

// List returns poll runs matching the filter, newest first
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*PollRun, error) {
	var conditions []string
	var args []any

	if filter.InstanceName != "" {
		conditions = append(conditions, "instance_name = ?")
		args = append(args, filter.InstanceName)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + pollRunColumns + ` FROM poll_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list poll runs: %w", err)
	}
	defer rows.Close()

	var runs []*PollRun
	for rows.Next() {
		run, err := scanPollRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poll run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating poll runs: %w", err)
	}
	return runs, nil
}

// DeleteBefore removes runs that started before the cutoff
func (s *RunStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM poll_runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete poll runs: %w", err)
	}
	return result.RowsAffected()
}

const pollRunColumns = `
	id, provider, instance_name, instance_id, target_status,
	outcome, last_status, prefix_match, attempts, max_attempts,
	transitions, transient_errors, already_converged, error,
	started_at, finished_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPollRun(row rowScanner) (*PollRun, error) {
	run := &PollRun{}
	var instanceID, lastStatus, errMsg sql.NullString

	err := row.Scan(
		&run.ID, &run.Provider, &run.InstanceName, &instanceID, &run.TargetStatus,
		&run.Outcome, &lastStatus, &run.PrefixMatch, &run.Attempts, &run.MaxAttempts,
		&run.Transitions, &run.TransientErrors, &run.AlreadyConverged, &errMsg,
		&run.StartedAt, &run.FinishedAt, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.InstanceID = instanceID.String
	run.LastStatus = lastStatus.String
	run.Error = errMsg.String
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
