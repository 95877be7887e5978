package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratforge/stratd/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. It is a
// pure persistence layer; change interception for cache sync is layered on
// top by the registry package.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, name, active, kind, subscriber_count,
	symbol, resolution, risk_per_trade, leverage, max_positions,
	max_daily_loss, trading_type, extras, created_at, updated_at`

func scanStrategyRow(row pgx.Row) (domain.Strategy, error) {
	var (
		s           domain.Strategy
		kind        string
		tradingType string
		extrasJSON  []byte
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Active, &kind, &s.SubscriberCount,
		&s.Config.Symbol, &s.Config.Resolution,
		&s.Config.RiskPerTrade, &s.Config.Leverage, &s.Config.MaxPositions,
		&s.Config.MaxDailyLoss, &tradingType, &extrasJSON,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.Kind = domain.StrategyKind(kind)
	s.Config.TradingType = domain.TradingType(tradingType)
	if extrasJSON != nil {
		if err := json.Unmarshal(extrasJSON, &s.Config.Extras); err != nil {
			return domain.Strategy{}, fmt.Errorf("unmarshal extras: %w", err)
		}
	}
	return s, nil
}

func scanStrategyRows(rows pgx.Rows) ([]domain.Strategy, error) {
	var strategies []domain.Strategy
	for rows.Next() {
		s, err := scanStrategyRow(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}

func marshalExtras(extras map[string]string) ([]byte, error) {
	if len(extras) == 0 {
		return nil, nil
	}
	return json.Marshal(extras)
}

// Create inserts a new strategy, generating an ID when none is supplied.
func (s *StrategyStore) Create(ctx context.Context, strat domain.Strategy) (domain.Strategy, error) {
	if strat.ID == "" {
		strat.ID = uuid.NewString()
	}
	if strat.Kind == "" {
		strat.Kind = domain.StrategyKindMultiTenant
	}

	extrasJSON, err := marshalExtras(strat.Config.Extras)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: marshal strategy extras: %w", err)
	}

	const query = `
		INSERT INTO strategies (
			id, name, active, kind, subscriber_count,
			symbol, resolution, risk_per_trade, leverage, max_positions,
			max_daily_loss, trading_type, extras
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		) RETURNING ` + strategySelectCols

	created, err := scanStrategyRow(s.pool.QueryRow(ctx, query,
		strat.ID, strat.Name, strat.Active, string(strat.Kind), strat.SubscriberCount,
		strat.Config.Symbol, strat.Config.Resolution,
		strat.Config.RiskPerTrade, strat.Config.Leverage, strat.Config.MaxPositions,
		strat.Config.MaxDailyLoss, string(strat.Config.TradingType), extrasJSON,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Strategy{}, domain.ErrAlreadyExists
		}
		return domain.Strategy{}, fmt.Errorf("postgres: create strategy %s: %w", strat.ID, err)
	}
	return created, nil
}

// GetByID retrieves a single strategy.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies WHERE id = $1`

	strat, err := scanStrategyRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return strat, nil
}

// ListSchedulable returns strategies that are active, have at least one
// subscriber, and carry a complete execution config.
func (s *StrategyStore) ListSchedulable(ctx context.Context) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + `
		FROM strategies
		WHERE active AND subscriber_count > 0 AND symbol <> '' AND resolution <> ''
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list schedulable strategies: %w", err)
	}
	defer rows.Close()

	strategies, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan schedulable strategies: %w", err)
	}
	return strategies, nil
}

// ListActiveSubscribed returns active strategies with at least one
// subscriber, regardless of config completeness. The registry auto-syncs
// incomplete configs from disk before registering.
func (s *StrategyStore) ListActiveSubscribed(ctx context.Context) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + `
		FROM strategies
		WHERE active AND subscriber_count > 0
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active subscribed strategies: %w", err)
	}
	defer rows.Close()

	strategies, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active subscribed strategies: %w", err)
	}
	return strategies, nil
}

// UpdateExecutionConfig replaces the full execution config of a strategy.
func (s *StrategyStore) UpdateExecutionConfig(ctx context.Context, id string, cfg domain.ExecutionConfig) (domain.Strategy, error) {
	extrasJSON, err := marshalExtras(cfg.Extras)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: marshal strategy extras: %w", err)
	}

	query := `
		UPDATE strategies SET
			symbol         = $2,
			resolution     = $3,
			risk_per_trade = $4,
			leverage       = $5,
			max_positions  = $6,
			max_daily_loss = $7,
			trading_type   = $8,
			extras         = $9,
			updated_at     = NOW()
		WHERE id = $1
		RETURNING ` + strategySelectCols

	strat, err := scanStrategyRow(s.pool.QueryRow(ctx, query,
		id, cfg.Symbol, cfg.Resolution,
		cfg.RiskPerTrade, cfg.Leverage, cfg.MaxPositions,
		cfg.MaxDailyLoss, string(cfg.TradingType), extrasJSON,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: update strategy config %s: %w", id, err)
	}
	return strat, nil
}

// SetActive flips the active flag.
func (s *StrategyStore) SetActive(ctx context.Context, id string, active bool) (domain.Strategy, error) {
	query := `
		UPDATE strategies SET active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + strategySelectCols

	strat, err := scanStrategyRow(s.pool.QueryRow(ctx, query, id, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: set strategy active %s: %w", id, err)
	}
	return strat, nil
}

// AdjustSubscriberCount atomically adds delta to the subscriber count,
// clamping at zero.
func (s *StrategyStore) AdjustSubscriberCount(ctx context.Context, id string, delta int) (domain.Strategy, error) {
	query := `
		UPDATE strategies SET
			subscriber_count = GREATEST(subscriber_count + $2, 0),
			updated_at       = NOW()
		WHERE id = $1
		RETURNING ` + strategySelectCols

	strat, err := scanStrategyRow(s.pool.QueryRow(ctx, query, id, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: adjust subscriber count %s: %w", id, err)
	}
	return strat, nil
}

// Delete removes a strategy. Subscriptions cascade at the schema level.
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteMany removes a set of strategies and returns the number deleted.
func (s *StrategyStore) DeleteMany(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete strategies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.StrategyStore = (*StrategyStore)(nil)
