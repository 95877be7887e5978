package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratforge/stratd/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given
// connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, strategy_id, symbol, resolution, interval_key,
	executed_at, status, signal_type, subscribers_count, trades_generated,
	duration_seconds, worker_id, error`

func scanExecutionRow(row pgx.Row) (domain.Execution, error) {
	var (
		exec       domain.Execution
		status     string
		signalType string
	)
	err := row.Scan(
		&exec.ID, &exec.StrategyID, &exec.Symbol, &exec.Resolution, &exec.IntervalKey,
		&exec.ExecutedAt, &status, &signalType,
		&exec.SubscribersCount, &exec.TradesGenerated,
		&exec.DurationSeconds, &exec.WorkerID, &exec.Error,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.SignalType = domain.SignalType(signalType)
	return exec, nil
}

func scanExecutionRows(rows pgx.Rows) ([]domain.Execution, error) {
	var execs []domain.Execution
	for rows.Next() {
		exec, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// Create inserts one execution record. The (strategy_id, interval_key)
// unique constraint keeps the record single per process group; a second
// writer for the same interval gets domain.ErrAlreadyExists.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO executions (
			id, strategy_id, symbol, resolution, interval_key,
			executed_at, status, signal_type, subscribers_count,
			trades_generated, duration_seconds, worker_id, error
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		) RETURNING ` + executionSelectCols

	created, err := scanExecutionRow(s.pool.QueryRow(ctx, query,
		exec.ID, exec.StrategyID, exec.Symbol, exec.Resolution, exec.IntervalKey,
		exec.ExecutedAt, string(exec.Status), string(exec.SignalType),
		exec.SubscribersCount, exec.TradesGenerated,
		exec.DurationSeconds, exec.WorkerID, exec.Error,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Execution{}, domain.ErrAlreadyExists
		}
		return domain.Execution{}, fmt.Errorf("postgres: create execution %s/%s: %w", exec.StrategyID, exec.IntervalKey, err)
	}
	return created, nil
}

// GetByStrategyAndInterval retrieves the execution record for one candle.
func (s *ExecutionStore) GetByStrategyAndInterval(ctx context.Context, strategyID, intervalKey string) (domain.Execution, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM executions WHERE strategy_id = $1 AND interval_key = $2`

	exec, err := scanExecutionRow(s.pool.QueryRow(ctx, query, strategyID, intervalKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s/%s: %w", strategyID, intervalKey, err)
	}
	return exec, nil
}

// ListByStrategy returns a strategy's executions, newest first.
func (s *ExecutionStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Execution, error) {
	query := `SELECT ` + executionSelectCols + ` FROM executions WHERE strategy_id = $1`
	args := []any{strategyID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions %s: %w", strategyID, err)
	}
	defer rows.Close()

	execs, err := scanExecutionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions %s: %w", strategyID, err)
	}
	return execs, nil
}

// Stats aggregates a strategy's execution history.
func (s *ExecutionStore) Stats(ctx context.Context, strategyID string) (domain.ExecutionStats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'SKIPPED'),
			COUNT(*) FILTER (WHERE status = 'NO_SIGNAL'),
			COALESCE(SUM(trades_generated), 0),
			COALESCE(AVG(duration_seconds) FILTER (WHERE status IN ('SUCCESS', 'NO_SIGNAL')), 0),
			MAX(executed_at)
		FROM executions
		WHERE strategy_id = $1`

	stats := domain.ExecutionStats{StrategyID: strategyID}
	err := s.pool.QueryRow(ctx, query, strategyID).Scan(
		&stats.Total, &stats.Succeeded, &stats.Failed,
		&stats.Skipped, &stats.NoSignal, &stats.TradesTotal,
		&stats.AvgDurationS, &stats.LastRunAt,
	)
	if err != nil {
		return domain.ExecutionStats{}, fmt.Errorf("postgres: execution stats %s: %w", strategyID, err)
	}

	if stats.Total > 0 {
		const lastQuery = `
			SELECT status, error FROM executions
			WHERE strategy_id = $1
			ORDER BY executed_at DESC LIMIT 1`

		var lastStatus string
		if err := s.pool.QueryRow(ctx, lastQuery, strategyID).Scan(&lastStatus, &stats.LastError); err != nil {
			return domain.ExecutionStats{}, fmt.Errorf("postgres: execution stats last %s: %w", strategyID, err)
		}
		stats.LastStatus = domain.ExecutionStatus(lastStatus)
	}
	return stats, nil
}

// ListBefore returns executions that ran strictly before the cutoff, oldest
// first, for archival.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM executions WHERE executed_at < $1 ORDER BY executed_at`
	args := []any{before}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	execs, err := scanExecutionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions before: %w", err)
	}
	return execs, nil
}

// DeleteBefore removes executions older than the cutoff and returns the
// number deleted. Called only after a verified archive upload.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
