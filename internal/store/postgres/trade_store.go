package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratforge/stratd/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The partial
// unique index on (subscription_id, symbol) WHERE status = 'OPEN' is the
// durable side of the "one open trade per subscription and symbol"
// invariant; the coordinator pre-checks, the index is the backstop.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, subscription_id, strategy_id, user_id, symbol, side,
	quantity, entry_price, stop_loss, take_profit, status, pnl,
	trading_type, leverage, order_id, order_status, sl_order_id, tp_order_id,
	position_id, liquidation_price, entry_signal, metadata,
	opened_at, closed_at, exit_price`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var (
		t           domain.Trade
		side        string
		status      string
		tradingType string
		signalJSON  []byte
		metaJSON    []byte
	)
	err := row.Scan(
		&t.ID, &t.SubscriptionID, &t.StrategyID, &t.UserID, &t.Symbol, &side,
		&t.Quantity, &t.EntryPrice, &t.StopLoss, &t.TakeProfit, &status, &t.PnL,
		&tradingType, &t.Leverage, &t.OrderID, &t.OrderStatus, &t.SLOrderID, &t.TPOrderID,
		&t.PositionID, &t.LiquidationPrice, &signalJSON, &metaJSON,
		&t.OpenedAt, &t.ClosedAt, &t.ExitPrice,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.TradeSide(side)
	t.Status = domain.TradeStatus(status)
	t.TradingType = domain.TradingType(tradingType)
	if signalJSON != nil {
		if err := json.Unmarshal(signalJSON, &t.EntrySignal); err != nil {
			return domain.Trade{}, fmt.Errorf("unmarshal entry signal: %w", err)
		}
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return domain.Trade{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Create inserts an OPEN trade. A concurrent open trade for the same
// (subscription, symbol) trips the partial unique index and maps to
// domain.ErrAlreadyExists.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TradeStatusOpen
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}

	var signalJSON, metaJSON []byte
	var err error
	if t.EntrySignal != nil {
		if signalJSON, err = json.Marshal(t.EntrySignal); err != nil {
			return domain.Trade{}, fmt.Errorf("postgres: marshal entry signal: %w", err)
		}
	}
	if len(t.Metadata) > 0 {
		if metaJSON, err = json.Marshal(t.Metadata); err != nil {
			return domain.Trade{}, fmt.Errorf("postgres: marshal trade metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO trades (
			id, subscription_id, strategy_id, user_id, symbol, side,
			quantity, entry_price, stop_loss, take_profit, status, pnl,
			trading_type, leverage, order_id, order_status, sl_order_id, tp_order_id,
			position_id, liquidation_price, entry_signal, metadata, opened_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23
		) RETURNING ` + tradeSelectCols

	created, err := scanTradeRow(s.pool.QueryRow(ctx, query,
		t.ID, t.SubscriptionID, t.StrategyID, t.UserID, t.Symbol, string(t.Side),
		t.Quantity, t.EntryPrice, t.StopLoss, t.TakeProfit, string(t.Status), t.PnL,
		string(t.TradingType), t.Leverage, t.OrderID, t.OrderStatus, t.SLOrderID, t.TPOrderID,
		t.PositionID, t.LiquidationPrice, signalJSON, metaJSON, t.OpenedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Trade{}, domain.ErrAlreadyExists
		}
		return domain.Trade{}, fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return created, nil
}

// GetByID retrieves a single trade.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE id = $1`

	t, err := scanTradeRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// GetOpen returns the OPEN trade for (subscription, symbol), or
// domain.ErrNotFound when none exists.
func (s *TradeStore) GetOpen(ctx context.Context, subscriptionID, symbol string) (domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE subscription_id = $1 AND symbol = $2 AND status = 'OPEN'`

	t, err := scanTradeRow(s.pool.QueryRow(ctx, query, subscriptionID, symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get open trade %s/%s: %w", subscriptionID, symbol, err)
	}
	return t, nil
}

// ListOpenBySubscription returns every OPEN trade of one subscription.
func (s *TradeStore) ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE subscription_id = $1 AND status = 'OPEN' ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades %s: %w", subscriptionID, err)
	}
	return trades, nil
}

// ListOpenByUser returns every OPEN trade across a user's subscriptions.
func (s *TradeStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE user_id = $1 AND status = 'OPEN' ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades for user %s: %w", userID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades for user %s: %w", userID, err)
	}
	return trades, nil
}

// ListBySubscription returns a subscription's trades, newest first.
func (s *TradeStore) ListBySubscription(ctx context.Context, subscriptionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE subscription_id = $1`
	args := []any{subscriptionID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

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
		return nil, fmt.Errorf("postgres: list trades %s: %w", subscriptionID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades %s: %w", subscriptionID, err)
	}
	return trades, nil
}

// Close marks a trade CLOSED with its exit price and realized PnL.
func (s *TradeStore) Close(ctx context.Context, id string, exitPrice, pnl float64) (domain.Trade, error) {
	query := `
		UPDATE trades SET
			status     = 'CLOSED',
			exit_price = $2,
			pnl        = $3,
			closed_at  = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'
		RETURNING ` + tradeSelectCols

	t, err := scanTradeRow(s.pool.QueryRow(ctx, query, id, exitPrice, pnl))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: close trade %s: %w", id, err)
	}
	return t, nil
}

// SumRealizedPnL totals the PnL of a subscription's closed trades.
func (s *TradeStore) SumRealizedPnL(ctx context.Context, subscriptionID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trades
		 WHERE subscription_id = $1 AND status = 'CLOSED'`,
		subscriptionID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl %s: %w", subscriptionID, err)
	}
	return sum, nil
}

// ListClosedBefore returns CLOSED trades whose close time is strictly before
// the cutoff, oldest first, for archival.
func (s *TradeStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE status = 'CLOSED' AND closed_at < $1 ORDER BY closed_at`
	args := []any{before}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed trades before: %w", err)
	}
	return trades, nil
}

// DeleteClosedBefore removes archived CLOSED trades and returns the number
// deleted.
func (s *TradeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE status = 'CLOSED' AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
