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

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a new SubscriptionStore backed by the given
// connection pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionSelectCols = `id, user_id, strategy_id, credential_id, capital,
	risk_per_trade, leverage, max_positions, max_daily_loss,
	sl_atr_multiplier, tp_atr_multiplier, trading_type, active, paused,
	subscribed_at, unsubscribed_at, paused_at,
	total_pnl, total_trades, winning_trades, created_at, updated_at`

func scanSubscriptionRow(row pgx.Row) (domain.Subscription, error) {
	var (
		sub         domain.Subscription
		tradingType string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.StrategyID, &sub.CredentialID, &sub.Capital,
		&sub.Overrides.RiskPerTrade, &sub.Overrides.Leverage,
		&sub.Overrides.MaxPositions, &sub.Overrides.MaxDailyLoss,
		&sub.Overrides.SLATRMultiplier, &sub.Overrides.TPATRMultiplier,
		&tradingType, &sub.Active, &sub.Paused,
		&sub.SubscribedAt, &sub.UnsubscribedAt, &sub.PausedAt,
		&sub.TotalPnL, &sub.TotalTrades, &sub.WinningTrades,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.TradingType = domain.TradingType(tradingType)
	return sub, nil
}

func scanSubscriptionRows(rows pgx.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Create inserts a new subscription, generating an ID when none is supplied.
// The unique (user_id, strategy_id) constraint maps to domain.ErrAlreadyExists.
func (s *SubscriptionStore) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.TradingType == "" {
		sub.TradingType = domain.TradingTypeFutures
	}

	const query = `
		INSERT INTO subscriptions (
			id, user_id, strategy_id, credential_id, capital,
			risk_per_trade, leverage, max_positions, max_daily_loss,
			sl_atr_multiplier, tp_atr_multiplier, trading_type
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		) RETURNING ` + subscriptionSelectCols

	created, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.StrategyID, sub.CredentialID, sub.Capital,
		sub.Overrides.RiskPerTrade, sub.Overrides.Leverage,
		sub.Overrides.MaxPositions, sub.Overrides.MaxDailyLoss,
		sub.Overrides.SLATRMultiplier, sub.Overrides.TPATRMultiplier,
		string(sub.TradingType),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Subscription{}, domain.ErrAlreadyExists
		}
		return domain.Subscription{}, fmt.Errorf("postgres: create subscription %s: %w", sub.ID, err)
	}
	return created, nil
}

// GetByID retrieves a single subscription.
func (s *SubscriptionStore) GetByID(ctx context.Context, id string) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionSelectCols + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: get subscription %s: %w", id, err)
	}
	return sub, nil
}

// GetByUserAndStrategy retrieves the unique subscription row for a
// (user, strategy) pair, active or not.
func (s *SubscriptionStore) GetByUserAndStrategy(ctx context.Context, userID, strategyID string) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionSelectCols + `
		FROM subscriptions WHERE user_id = $1 AND strategy_id = $2`

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query, userID, strategyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: get subscription %s/%s: %w", userID, strategyID, err)
	}
	return sub, nil
}

// ListByUser returns every subscription of a user, newest first.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionSelectCols + `
		FROM subscriptions WHERE user_id = $1 ORDER BY subscribed_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions for user %s: %w", userID, err)
	}
	defer rows.Close()

	subs, err := scanSubscriptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan subscriptions for user %s: %w", userID, err)
	}
	return subs, nil
}

// ListActiveSubscribers returns active, unpaused subscriptions for a strategy
// with the broker credential joined in. Subscriptions without a credential
// row come back with a nil Credential; the coordinator skips those with a
// warning.
func (s *SubscriptionStore) ListActiveSubscribers(ctx context.Context, strategyID string) ([]domain.ActiveSubscriber, error) {
	query := `
		SELECT
			s.id, s.user_id, s.strategy_id, s.credential_id, s.capital,
			s.risk_per_trade, s.leverage, s.max_positions, s.max_daily_loss,
			s.sl_atr_multiplier, s.tp_atr_multiplier, s.trading_type, s.active, s.paused,
			s.subscribed_at, s.unsubscribed_at, s.paused_at,
			s.total_pnl, s.total_trades, s.winning_trades, s.created_at, s.updated_at,
			c.id, c.user_id, c.label, c.api_key_cipher, c.api_secret_cipher, c.created_at
		FROM subscriptions s
		LEFT JOIN broker_credentials c ON c.id = s.credential_id
		WHERE s.strategy_id = $1 AND s.active AND NOT s.paused
		ORDER BY s.subscribed_at`

	rows, err := s.pool.Query(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active subscribers %s: %w", strategyID, err)
	}
	defer rows.Close()

	var subscribers []domain.ActiveSubscriber
	for rows.Next() {
		var (
			sub           domain.Subscription
			tradingType   string
			credID        *string
			credUser      *string
			credLabel     *string
			credKey       *string
			credSecret    *string
			credCreatedAt *time.Time
		)
		err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.StrategyID, &sub.CredentialID, &sub.Capital,
			&sub.Overrides.RiskPerTrade, &sub.Overrides.Leverage,
			&sub.Overrides.MaxPositions, &sub.Overrides.MaxDailyLoss,
			&sub.Overrides.SLATRMultiplier, &sub.Overrides.TPATRMultiplier,
			&tradingType, &sub.Active, &sub.Paused,
			&sub.SubscribedAt, &sub.UnsubscribedAt, &sub.PausedAt,
			&sub.TotalPnL, &sub.TotalTrades, &sub.WinningTrades,
			&sub.CreatedAt, &sub.UpdatedAt,
			&credID, &credUser, &credLabel, &credKey, &credSecret, &credCreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active subscriber: %w", err)
		}
		sub.TradingType = domain.TradingType(tradingType)

		subscriber := domain.ActiveSubscriber{Subscription: sub}
		if credID != nil {
			cred := domain.BrokerCredential{
				ID:              *credID,
				UserID:          deref(credUser),
				Label:           deref(credLabel),
				APIKeyCipher:    deref(credKey),
				APISecretCipher: deref(credSecret),
			}
			if credCreatedAt != nil {
				cred.CreatedAt = *credCreatedAt
			}
			subscriber.Credential = &cred
		}
		subscribers = append(subscribers, subscriber)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active subscribers %s: %w", strategyID, err)
	}
	return subscribers, nil
}

// Reactivate flips a cancelled subscription back to active, resetting the
// cumulative counters and replacing capital and overrides with the new
// values.
func (s *SubscriptionStore) Reactivate(ctx context.Context, id string, capital float64, overrides domain.SubscriptionOverrides, tradingType domain.TradingType) (domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET
			capital           = $2,
			risk_per_trade    = $3,
			leverage          = $4,
			max_positions     = $5,
			max_daily_loss    = $6,
			sl_atr_multiplier = $7,
			tp_atr_multiplier = $8,
			trading_type      = $9,
			active            = TRUE,
			paused            = FALSE,
			subscribed_at     = NOW(),
			unsubscribed_at   = NULL,
			paused_at         = NULL,
			total_pnl         = 0,
			total_trades      = 0,
			winning_trades    = 0,
			updated_at        = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionSelectCols

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query,
		id, capital,
		overrides.RiskPerTrade, overrides.Leverage,
		overrides.MaxPositions, overrides.MaxDailyLoss,
		overrides.SLATRMultiplier, overrides.TPATRMultiplier,
		string(tradingType),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: reactivate subscription %s: %w", id, err)
	}
	return sub, nil
}

// Cancel flips the subscription inactive and stamps unsubscribed_at.
func (s *SubscriptionStore) Cancel(ctx context.Context, id string) (domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET
			active          = FALSE,
			unsubscribed_at = NOW(),
			updated_at      = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionSelectCols

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: cancel subscription %s: %w", id, err)
	}
	return sub, nil
}

// SetPaused flips the paused flag. Pausing stamps paused_at; resuming clears
// it.
func (s *SubscriptionStore) SetPaused(ctx context.Context, id string, paused bool) (domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET
			paused     = $2,
			paused_at  = CASE WHEN $2 THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionSelectCols

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query, id, paused))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: set subscription paused %s: %w", id, err)
	}
	return sub, nil
}

// UpdateOverrides merges new capital and override values into the row. A nil
// capital leaves the stored capital untouched; override fields always
// replace, so a nil override resets the field to "use strategy default".
func (s *SubscriptionStore) UpdateOverrides(ctx context.Context, id string, capital *float64, overrides domain.SubscriptionOverrides) (domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET
			capital           = COALESCE($2, capital),
			risk_per_trade    = $3,
			leverage          = $4,
			max_positions     = $5,
			max_daily_loss    = $6,
			sl_atr_multiplier = $7,
			tp_atr_multiplier = $8,
			updated_at        = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionSelectCols

	sub, err := scanSubscriptionRow(s.pool.QueryRow(ctx, query,
		id, capital,
		overrides.RiskPerTrade, overrides.Leverage,
		overrides.MaxPositions, overrides.MaxDailyLoss,
		overrides.SLATRMultiplier, overrides.TPATRMultiplier,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, domain.ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("postgres: update subscription overrides %s: %w", id, err)
	}
	return sub, nil
}

// AddTradeResult folds a closed trade's outcome into the cumulative counters.
func (s *SubscriptionStore) AddTradeResult(ctx context.Context, id string, pnl float64, won bool) error {
	query := `
		UPDATE subscriptions SET
			total_pnl      = total_pnl + $2,
			total_trades   = total_trades + 1,
			winning_trades = winning_trades + CASE WHEN $3 THEN 1 ELSE 0 END,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, pnl, won)
	if err != nil {
		return fmt.Errorf("postgres: add trade result %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)
