package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BenchmarkResult is the throughput measured for one batch size in a run
type BenchmarkResult struct {
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model"`
	BatchSize        int       `json:"batch_size"`
	Rounds           int       `json:"rounds"`
	Requests         int       `json:"requests"`
	FailedRequests   int       `json:"failed_requests"`
	CompletionTokens int       `json:"completion_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	TokensPerSecond  float64   `json:"tokens_per_second"`
	CreatedAt        time.Time `json:"created_at"`
}

// BenchmarkFilter defines criteria for filtering benchmark results
type BenchmarkFilter struct {
	RunID string
	Model string
	Limit int
}

// BenchmarkStore handles benchmark result persistence
type BenchmarkStore struct {
	db *DB
}

// NewBenchmarkStore creates a new benchmark store
func NewBenchmarkStore(db *DB) *BenchmarkStore {
	return &BenchmarkStore{db: db}
}

// Create inserts a new benchmark result
func (s *BenchmarkStore) Create(ctx context.Context, result *BenchmarkResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO benchmark_results (
			id, run_id, endpoint, model,
			batch_size, rounds, requests, failed_requests,
			completion_tokens, duration_ms, tokens_per_second, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		result.ID, result.RunID, result.Endpoint, result.Model,
		result.BatchSize, result.Rounds, result.Requests, result.FailedRequests,
		result.CompletionTokens, result.DurationMS, result.TokensPerSecond, result.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create benchmark result: %w", err)
	}

	return nil
}

// List returns benchmark results matching the filter, newest run first and
// ascending batch size within a run
func (s *BenchmarkStore) List(ctx context.Context, filter BenchmarkFilter) ([]*BenchmarkResult, error) {
	var conditions []string
	var args []any

	if filter.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, filter.Model)
	}

	query := `
		SELECT id, run_id, endpoint, model,
			batch_size, rounds, requests, failed_requests,
			completion_tokens, duration_ms, tokens_per_second, created_at
		FROM benchmark_results`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, batch_size ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list benchmark results: %w", err)
	}
	defer rows.Close()

	var results []*BenchmarkResult
	for rows.Next() {
		r := &BenchmarkResult{}
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Endpoint, &r.Model,
			&r.BatchSize, &r.Rounds, &r.Requests, &r.FailedRequests,
			&r.CompletionTokens, &r.DurationMS, &r.TokensPerSecond, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan benchmark result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating benchmark results: %w", err)
	}
	return results, nil
}
