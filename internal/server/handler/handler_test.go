package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/subscription"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// --- strategy handler fakes -------------------------------------------------

type fakeStrategyReader struct {
	strategies map[string]domain.Strategy
}

func (f *fakeStrategyReader) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return s, nil
}

type fakeStrategySettings struct {
	initialized map[string]domain.ExecutionConfig
	patches     map[string]map[string]string
	version     int64
	updateErr   error
}

func (f *fakeStrategySettings) InitializeStrategy(_ context.Context, id string, cfg domain.ExecutionConfig, _ domain.StrategyKind, _ int64) error {
	if f.initialized == nil {
		f.initialized = make(map[string]domain.ExecutionConfig)
	}
	f.initialized[id] = cfg
	return nil
}

func (f *fakeStrategySettings) UpdateStrategySettings(_ context.Context, id string, patch map[string]string, _ bool) (int64, error) {
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	if f.patches == nil {
		f.patches = make(map[string]map[string]string)
	}
	f.patches[id] = patch
	f.version++
	return f.version, nil
}

type fakeExecStats struct {
	stats domain.ExecutionStats
}

func (f *fakeExecStats) Stats(context.Context, string) (domain.ExecutionStats, error) {
	return f.stats, nil
}

// --- subscription handler fakes ---------------------------------------------

type fakeSubService struct {
	created    []subscription.CreateParams
	createErr  error
	sub        domain.Subscription
	subs       []domain.Subscription
	cancelled  []string
	lastPaused *bool
}

func (f *fakeSubService) Create(_ context.Context, p subscription.CreateParams) (domain.Subscription, error) {
	if f.createErr != nil {
		return domain.Subscription{}, f.createErr
	}
	f.created = append(f.created, p)
	sub := f.sub
	sub.UserID = p.UserID
	sub.StrategyID = p.StrategyID
	sub.Capital = p.Capital
	sub.Active = true
	return sub, nil
}

func (f *fakeSubService) Cancel(_ context.Context, id string) (domain.Subscription, error) {
	f.cancelled = append(f.cancelled, id)
	return f.sub, nil
}

func (f *fakeSubService) Pause(context.Context, string) (domain.Subscription, error) {
	f.lastPaused = ptr(true)
	return f.sub, nil
}

func (f *fakeSubService) Resume(context.Context, string) (domain.Subscription, error) {
	f.lastPaused = ptr(false)
	return f.sub, nil
}

func (f *fakeSubService) UpdateOverrides(_ context.Context, _ string, capital *float64, _ domain.SubscriptionOverrides) (domain.Subscription, error) {
	sub := f.sub
	if capital != nil {
		sub.Capital = *capital
	}
	return sub, nil
}

func (f *fakeSubService) ListByUser(context.Context, string) ([]domain.Subscription, error) {
	return f.subs, nil
}

type fakeCredentials struct {
	creds map[string]domain.BrokerCredential
}

func (f *fakeCredentials) GetByID(_ context.Context, id string) (domain.BrokerCredential, error) {
	c, ok := f.creds[id]
	if !ok {
		return domain.BrokerCredential{}, domain.ErrNotFound
	}
	return c, nil
}

type plainVault struct{}

func (plainVault) Decrypt(envelope string) (string, error) { return envelope, nil }

type fakeBrokerAccounts struct {
	wallets    []broker.Wallet
	walletsErr error
	tickers    map[string]broker.Ticker
}

func (f *fakeBrokerAccounts) Wallets(context.Context, domain.BrokerKeys) ([]broker.Wallet, error) {
	return f.wallets, f.walletsErr
}

func (f *fakeBrokerAccounts) Tickers(context.Context, []string) (map[string]broker.Ticker, error) {
	return f.tickers, nil
}

type fakeTradePnL struct {
	realized float64
	open     map[string][]domain.Trade
}

func (f *fakeTradePnL) SumRealizedPnL(context.Context, string) (float64, error) {
	return f.realized, nil
}

func (f *fakeTradePnL) ListOpenBySubscription(_ context.Context, subID string) ([]domain.Trade, error) {
	return f.open[subID], nil
}

// --- helpers ----------------------------------------------------------------

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any, pathValues map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// --- strategy handler tests -------------------------------------------------

func TestDeployInitializesSettings(t *testing.T) {
	strategies := &fakeStrategyReader{strategies: map[string]domain.Strategy{
		"s1": {ID: "s1", Active: true, Kind: domain.StrategyKindLegacy,
			Config: domain.ExecutionConfig{Symbol: "BTCUSDT", Resolution: "15"}},
	}}
	settings := &fakeStrategySettings{}
	h := NewStrategyHandler(strategies, settings, &fakeExecStats{}, discard())

	rec := doJSON(t, h.Deploy, http.MethodPost, "/api/strategies/deploy",
		map[string]string{"strategy_id": "s1"}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, settings.initialized, "s1")
	assert.Equal(t, "BTCUSDT", settings.initialized["s1"].Symbol)
}

func TestDeployIncompleteConfig(t *testing.T) {
	strategies := &fakeStrategyReader{strategies: map[string]domain.Strategy{
		"s1": {ID: "s1", Active: true, Config: domain.ExecutionConfig{Symbol: "BTCUSDT"}},
	}}
	h := NewStrategyHandler(strategies, &fakeStrategySettings{}, &fakeExecStats{}, discard())

	rec := doJSON(t, h.Deploy, http.MethodPost, "/api/strategies/deploy",
		map[string]string{"strategy_id": "s1"}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "incomplete")
}

func TestDeployUnknownStrategy(t *testing.T) {
	h := NewStrategyHandler(&fakeStrategyReader{}, &fakeStrategySettings{}, &fakeExecStats{}, discard())

	rec := doJSON(t, h.Deploy, http.MethodPost, "/api/strategies/deploy",
		map[string]string{"strategy_id": "nope"}, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSettingsReturnsVersion(t *testing.T) {
	settings := &fakeStrategySettings{version: 1}
	h := NewStrategyHandler(&fakeStrategyReader{}, settings, &fakeExecStats{}, discard())

	rec := doJSON(t, h.UpdateSettings, http.MethodPut, "/api/strategies/s1/settings",
		map[string]string{"risk_per_trade": "0.03"}, map[string]string{"id": "s1"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["version"])
	assert.Equal(t, "0.03", settings.patches["s1"]["risk_per_trade"])
}

func TestUpdateSettingsRejectsEmptyPatch(t *testing.T) {
	h := NewStrategyHandler(&fakeStrategyReader{}, &fakeStrategySettings{}, &fakeExecStats{}, discard())

	rec := doJSON(t, h.UpdateSettings, http.MethodPut, "/api/strategies/s1/settings",
		map[string]string{}, map[string]string{"id": "s1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- subscription handler tests ---------------------------------------------

func subscribeFixture() (*fakeSubService, *SubscriptionHandler) {
	svc := &fakeSubService{sub: domain.Subscription{ID: "sub-1"}}
	creds := &fakeCredentials{creds: map[string]domain.BrokerCredential{
		"c1": {ID: "c1", UserID: "u1", APIKeyCipher: "key", APISecretCipher: "secret"},
	}}
	accounts := &fakeBrokerAccounts{wallets: []broker.Wallet{{Coin: "USDT", Balance: 5000, Available: 5000}}}
	h := NewSubscriptionHandler(svc, creds, plainVault{}, accounts, &fakeTradePnL{}, discard())
	return svc, h
}

func TestSubscribeSuccess(t *testing.T) {
	svc, h := subscribeFixture()

	rec := doJSON(t, h.Subscribe, http.MethodPost, "/api/strategies/s1/subscribe",
		subscribeRequest{UserID: "u1", CredentialID: "c1", Capital: 1000},
		map[string]string{"id": "s1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "s1", svc.created[0].StrategyID)
	assert.Equal(t, 1000.0, svc.created[0].Capital)
}

func TestSubscribeInsufficientBalance(t *testing.T) {
	svc, h := subscribeFixture()
	h.broker = &fakeBrokerAccounts{wallets: []broker.Wallet{{Coin: "USDT", Available: 500}}}

	rec := doJSON(t, h.Subscribe, http.MethodPost, "/api/strategies/s1/subscribe",
		subscribeRequest{UserID: "u1", CredentialID: "c1", Capital: 1000},
		map[string]string{"id": "s1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "balance")
	assert.Empty(t, svc.created)
}

func TestSubscribeForeignCredentialRejected(t *testing.T) {
	svc, h := subscribeFixture()

	rec := doJSON(t, h.Subscribe, http.MethodPost, "/api/strategies/s1/subscribe",
		subscribeRequest{UserID: "intruder", CredentialID: "c1", Capital: 1000},
		map[string]string{"id": "s1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, svc.created)
}

func TestSubscribeDuplicateIs400(t *testing.T) {
	svc, h := subscribeFixture()
	svc.createErr = domain.ErrAlreadySubscribed

	rec := doJSON(t, h.Subscribe, http.MethodPost, "/api/strategies/s1/subscribe",
		subscribeRequest{UserID: "u1", CredentialID: "c1", Capital: 1000},
		map[string]string{"id": "s1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "already subscribed")
}

func TestSubscribeBrokerRejectionIs400(t *testing.T) {
	_, h := subscribeFixture()
	h.broker = &fakeBrokerAccounts{walletsErr: domain.ErrBrokerCallFailed}

	rec := doJSON(t, h.Subscribe, http.MethodPost, "/api/strategies/s1/subscribe",
		subscribeRequest{UserID: "u1", CredentialID: "c1", Capital: 1000},
		map[string]string{"id": "s1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListComputesLivePnL(t *testing.T) {
	svc := &fakeSubService{subs: []domain.Subscription{
		{ID: "sub-1", UserID: "u1", StrategyID: "s1", Active: true},
	}}
	trades := &fakeTradePnL{
		realized: 120.5,
		open: map[string][]domain.Trade{
			"sub-1": {
				{Symbol: "BTCUSDT", Side: domain.TradeSideLong, Quantity: 0.1, EntryPrice: 50000},
				{Symbol: "BTCUSDT", Side: domain.TradeSideShort, Quantity: 0.2, EntryPrice: 52000},
			},
		},
	}
	accounts := &fakeBrokerAccounts{tickers: map[string]broker.Ticker{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 51000},
	}}
	h := NewSubscriptionHandler(svc, &fakeCredentials{}, plainVault{}, accounts, trades, discard())

	rec := doJSON(t, h.List, http.MethodGet, "/api/strategies/subscriptions?user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Subscriptions []subscriptionRow `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Subscriptions, 1)

	row := out.Subscriptions[0]
	assert.Equal(t, 120.5, row.RealizedPnL)
	// Long: (51000-50000)*0.1 = 100; short: (52000-51000)*0.2 = 200.
	assert.InDelta(t, 300.0, row.UnrealizedPnL, 1e-9)
	assert.Equal(t, 2, row.OpenTrades)
}

func TestListRequiresUser(t *testing.T) {
	h := NewSubscriptionHandler(&fakeSubService{}, &fakeCredentials{}, plainVault{}, &fakeBrokerAccounts{}, &fakeTradePnL{}, discard())

	rec := doJSON(t, h.List, http.MethodGet, "/api/strategies/subscriptions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResumeCancel(t *testing.T) {
	svc := &fakeSubService{sub: domain.Subscription{ID: "sub-1", Active: true}}
	h := NewSubscriptionHandler(svc, &fakeCredentials{}, plainVault{}, &fakeBrokerAccounts{}, &fakeTradePnL{}, discard())

	rec := doJSON(t, h.Pause, http.MethodPost, "/api/strategies/subscriptions/sub-1/pause", nil,
		map[string]string{"id": "sub-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastPaused)
	assert.True(t, *svc.lastPaused)

	rec = doJSON(t, h.Resume, http.MethodPost, "/api/strategies/subscriptions/sub-1/resume", nil,
		map[string]string{"id": "sub-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *svc.lastPaused)

	rec = doJSON(t, h.Cancel, http.MethodDelete, "/api/strategies/subscriptions/sub-1", nil,
		map[string]string{"id": "sub-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sub-1"}, svc.cancelled)
}

func TestUpdateOverridesValidatesCapital(t *testing.T) {
	h := NewSubscriptionHandler(&fakeSubService{}, &fakeCredentials{}, plainVault{}, &fakeBrokerAccounts{}, &fakeTradePnL{}, discard())

	rec := doJSON(t, h.Update, http.MethodPut, "/api/strategies/subscriptions/sub-1",
		updateSubscriptionRequest{Capital: ptr(-5.0)}, map[string]string{"id": "sub-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
