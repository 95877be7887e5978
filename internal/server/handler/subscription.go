package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/subscription"
)

// SubscriptionService is the workflow slice the handler drives.
type SubscriptionService interface {
	Create(ctx context.Context, p subscription.CreateParams) (domain.Subscription, error)
	Cancel(ctx context.Context, id string) (domain.Subscription, error)
	Pause(ctx context.Context, id string) (domain.Subscription, error)
	Resume(ctx context.Context, id string) (domain.Subscription, error)
	UpdateOverrides(ctx context.Context, id string, capital *float64, overrides domain.SubscriptionOverrides) (domain.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
}

// CredentialReader loads stored broker credentials.
type CredentialReader interface {
	GetByID(ctx context.Context, id string) (domain.BrokerCredential, error)
}

// Decrypter opens credential envelopes.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// BrokerAccounts is the exchange slice the handler needs: balance checks on
// subscribe and mark prices for live PnL.
type BrokerAccounts interface {
	Wallets(ctx context.Context, keys domain.BrokerKeys) ([]broker.Wallet, error)
	Tickers(ctx context.Context, symbols []string) (map[string]broker.Ticker, error)
}

// TradePnLReader serves the live-PnL listing.
type TradePnLReader interface {
	SumRealizedPnL(ctx context.Context, subscriptionID string) (float64, error)
	ListOpenBySubscription(ctx context.Context, subscriptionID string) ([]domain.Trade, error)
}

// SubscriptionHandler serves the subscription lifecycle endpoints.
type SubscriptionHandler struct {
	subs        SubscriptionService
	credentials CredentialReader
	vault       Decrypter
	broker      BrokerAccounts
	trades      TradePnLReader
	logger      *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(
	subs SubscriptionService,
	credentials CredentialReader,
	vault Decrypter,
	brokerClient BrokerAccounts,
	trades TradePnLReader,
	logger *slog.Logger,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		subs:        subs,
		credentials: credentials,
		vault:       vault,
		broker:      brokerClient,
		trades:      trades,
		logger:      logger,
	}
}

// overridesBody is the JSON shape of per-user risk overrides.
type overridesBody struct {
	RiskPerTrade    *float64 `json:"risk_per_trade,omitempty"`
	Leverage        *float64 `json:"leverage,omitempty"`
	MaxPositions    *int     `json:"max_positions,omitempty"`
	MaxDailyLoss    *float64 `json:"max_daily_loss,omitempty"`
	SLATRMultiplier *float64 `json:"sl_atr_multiplier,omitempty"`
	TPATRMultiplier *float64 `json:"tp_atr_multiplier,omitempty"`
}

func (o overridesBody) toDomain() domain.SubscriptionOverrides {
	return domain.SubscriptionOverrides{
		RiskPerTrade:    o.RiskPerTrade,
		Leverage:        o.Leverage,
		MaxPositions:    o.MaxPositions,
		MaxDailyLoss:    o.MaxDailyLoss,
		SLATRMultiplier: o.SLATRMultiplier,
		TPATRMultiplier: o.TPATRMultiplier,
	}
}

// subscribeRequest is the body for POST /api/strategies/{id}/subscribe.
type subscribeRequest struct {
	UserID       string        `json:"user_id"`
	CredentialID string        `json:"credential_id"`
	Capital      float64       `json:"capital"`
	TradingType  string        `json:"trading_type,omitempty"`
	Overrides    overridesBody `json:"overrides"`
}

// Subscribe creates or reactivates a subscription after verifying the
// caller's broker credential works and the wallet covers the capital.
// POST /api/strategies/{id}/subscribe
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	strategyID := pathParam(r, "id")
	if strategyID == "" {
		writeError(w, http.StatusBadRequest, "missing strategy id")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "user_id and credential_id are required")
		return
	}
	if req.Capital <= 0 {
		writeError(w, http.StatusBadRequest, "capital must be positive")
		return
	}

	keys, ok := h.verifyCredential(w, r, req.UserID, req.CredentialID)
	if !ok {
		return
	}
	if !h.verifyBalance(w, r, keys, req.Capital) {
		return
	}

	sub, err := h.subs.Create(r.Context(), subscription.CreateParams{
		UserID:       req.UserID,
		StrategyID:   strategyID,
		CredentialID: req.CredentialID,
		Capital:      req.Capital,
		Overrides:    req.Overrides.toDomain(),
		TradingType:  domain.TradingType(strings.ToLower(req.TradingType)),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadySubscribed):
			writeError(w, http.StatusBadRequest, "already subscribed to this strategy")
		case errors.Is(err, domain.ErrMissingStrategyConfig):
			writeError(w, http.StatusBadRequest, "risk parameters unresolvable: set overrides or fix the strategy config")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "strategy not found or inactive")
		default:
			h.logger.ErrorContext(r.Context(), "handler: subscribe failed",
				slog.String("strategy_id", strategyID),
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to subscribe")
		}
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionView(sub))
}

// verifyCredential loads and decrypts the credential, enforcing ownership.
// Writes the error response itself and reports success via the bool.
func (h *SubscriptionHandler) verifyCredential(w http.ResponseWriter, r *http.Request, userID, credentialID string) (domain.BrokerKeys, bool) {
	cred, err := h.credentials.GetByID(r.Context(), credentialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "credential not found")
			return domain.BrokerKeys{}, false
		}
		h.logger.ErrorContext(r.Context(), "handler: load credential failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load credential")
		return domain.BrokerKeys{}, false
	}
	if cred.UserID != userID {
		writeError(w, http.StatusNotFound, "credential not found")
		return domain.BrokerKeys{}, false
	}

	apiKey, err := h.vault.Decrypt(cred.APIKeyCipher)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: credential decrypt failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credential unusable")
		return domain.BrokerKeys{}, false
	}
	apiSecret, err := h.vault.Decrypt(cred.APISecretCipher)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: credential decrypt failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credential unusable")
		return domain.BrokerKeys{}, false
	}
	return domain.BrokerKeys{APIKey: apiKey, APISecret: apiSecret}, true
}

// verifyBalance checks the USDT wallet covers the committed capital. A
// broker rejection here usually means revoked keys, surfaced as 400.
func (h *SubscriptionHandler) verifyBalance(w http.ResponseWriter, r *http.Request, keys domain.BrokerKeys, capital float64) bool {
	wallets, err := h.broker.Wallets(r.Context(), keys)
	if err != nil {
		if errors.Is(err, domain.ErrBrokerCallFailed) {
			writeError(w, http.StatusBadRequest, "broker rejected the credential")
			return false
		}
		h.logger.ErrorContext(r.Context(), "handler: wallet check failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to verify wallet balance")
		return false
	}

	var available float64
	for _, wlt := range wallets {
		if strings.EqualFold(wlt.Coin, "USDT") {
			available = wlt.Available
			break
		}
	}
	if available < capital {
		writeError(w, http.StatusBadRequest, "wallet balance below committed capital")
		return false
	}
	return true
}

// updateSubscriptionRequest is the body for PUT /api/strategies/subscriptions/{id}.
type updateSubscriptionRequest struct {
	Capital   *float64      `json:"capital,omitempty"`
	Overrides overridesBody `json:"overrides"`
}

// Update changes the capital and per-user overrides of a subscription.
// PUT /api/strategies/subscriptions/{id}
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing subscription id")
		return
	}

	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Capital != nil && *req.Capital <= 0 {
		writeError(w, http.StatusBadRequest, "capital must be positive")
		return
	}

	sub, err := h.subs.UpdateOverrides(r.Context(), id, req.Capital, req.Overrides.toDomain())
	if err != nil {
		h.respondWorkflowError(w, r, "update subscription", id, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

// Pause suspends trade generation for a subscription.
// POST /api/strategies/subscriptions/{id}/pause
func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume re-enables trade generation for a subscription.
// POST /api/strategies/subscriptions/{id}/resume
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *SubscriptionHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing subscription id")
		return
	}

	var sub domain.Subscription
	var err error
	if paused {
		sub, err = h.subs.Pause(r.Context(), id)
	} else {
		sub, err = h.subs.Resume(r.Context(), id)
	}
	if err != nil {
		h.respondWorkflowError(w, r, "pause/resume", id, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

// Cancel unsubscribes. Idempotent: cancelling a cancelled subscription is a
// 200 with the unchanged row.
// DELETE /api/strategies/subscriptions/{id}
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing subscription id")
		return
	}

	sub, err := h.subs.Cancel(r.Context(), id)
	if err != nil {
		h.respondWorkflowError(w, r, "cancel subscription", id, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(sub))
}

func (h *SubscriptionHandler) respondWorkflowError(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
		slog.String("subscription_id", id),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

// subscriptionRow is one entry in the live-PnL listing.
type subscriptionRow struct {
	Subscription  subscriptionBody `json:"subscription"`
	RealizedPnL   float64          `json:"realized_pnl"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	OpenTrades    int              `json:"open_trades"`
}

// List returns the caller's subscriptions with realized PnL from closed
// trades and unrealized PnL marked against live tickers.
// GET /api/strategies/subscriptions?user_id=...
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	subs, err := h.subs.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list subscriptions failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	rows := make([]subscriptionRow, 0, len(subs))
	var openTrades []domain.Trade
	tradesBySub := make(map[string][]domain.Trade, len(subs))

	for _, sub := range subs {
		open, err := h.trades.ListOpenBySubscription(r.Context(), sub.ID)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: open trades lookup failed",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		tradesBySub[sub.ID] = open
		openTrades = append(openTrades, open...)
	}

	marks := h.markPrices(r.Context(), openTrades)

	for _, sub := range subs {
		realized, err := h.trades.SumRealizedPnL(r.Context(), sub.ID)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: realized pnl lookup failed",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}

		var unrealized float64
		open := tradesBySub[sub.ID]
		for _, tr := range open {
			last, ok := marks[tr.Symbol]
			if !ok || last <= 0 {
				continue
			}
			diff := last - tr.EntryPrice
			if tr.Side == domain.TradeSideShort {
				diff = -diff
			}
			unrealized += diff * tr.Quantity
		}

		rows = append(rows, subscriptionRow{
			Subscription:  subscriptionView(sub),
			RealizedPnL:   realized,
			UnrealizedPnL: unrealized,
			OpenTrades:    len(open),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": rows})
}

// markPrices fetches last prices for every distinct symbol with an open
// trade. Ticker failures degrade to zero unrealized PnL, never an error.
func (h *SubscriptionHandler) markPrices(ctx context.Context, open []domain.Trade) map[string]float64 {
	seen := make(map[string]bool)
	var symbols []string
	for _, tr := range open {
		if !seen[tr.Symbol] {
			seen[tr.Symbol] = true
			symbols = append(symbols, tr.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil
	}

	tickers, err := h.broker.Tickers(ctx, symbols)
	if err != nil {
		h.logger.WarnContext(ctx, "handler: ticker lookup failed", slog.String("error", err.Error()))
		return nil
	}

	marks := make(map[string]float64, len(tickers))
	for sym, tk := range tickers {
		marks[sym] = tk.LastPrice
	}
	return marks
}

// subscriptionBody is the JSON view of a subscription.
type subscriptionBody struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	StrategyID    string        `json:"strategy_id"`
	Capital       float64       `json:"capital"`
	TradingType   string        `json:"trading_type"`
	Active        bool          `json:"active"`
	Paused        bool          `json:"paused"`
	TotalPnL      float64       `json:"total_pnl"`
	TotalTrades   int           `json:"total_trades"`
	WinningTrades int           `json:"winning_trades"`
	Overrides     overridesBody `json:"overrides"`
}

func subscriptionView(sub domain.Subscription) subscriptionBody {
	return subscriptionBody{
		ID:            sub.ID,
		UserID:        sub.UserID,
		StrategyID:    sub.StrategyID,
		Capital:       sub.Capital,
		TradingType:   string(sub.TradingType),
		Active:        sub.Active,
		Paused:        sub.Paused,
		TotalPnL:      sub.TotalPnL,
		TotalTrades:   sub.TotalTrades,
		WinningTrades: sub.WinningTrades,
		Overrides: overridesBody{
			RiskPerTrade:    sub.Overrides.RiskPerTrade,
			Leverage:        sub.Overrides.Leverage,
			MaxPositions:    sub.Overrides.MaxPositions,
			MaxDailyLoss:    sub.Overrides.MaxDailyLoss,
			SLATRMultiplier: sub.Overrides.SLATRMultiplier,
			TPATRMultiplier: sub.Overrides.TPATRMultiplier,
		},
	}
}
