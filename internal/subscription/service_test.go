package subscription

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratd/internal/domain"
	"github.com/stratforge/stratd/internal/settings"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeSubStore struct {
	domain.SubscriptionStore
	subs   map[string]domain.Subscription
	nextID int
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: map[string]domain.Subscription{}}
}

func (f *fakeSubStore) Create(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == sub.UserID && s.StrategyID == sub.StrategyID {
			return domain.Subscription{}, domain.ErrAlreadyExists
		}
	}
	f.nextID++
	sub.ID = fmt.Sprintf("sub-%d", f.nextID)
	sub.SubscribedAt = time.Now().UTC()
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeSubStore) GetByID(_ context.Context, id string) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubStore) GetByUserAndStrategy(_ context.Context, userID, strategyID string) (domain.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == userID && s.StrategyID == strategyID {
			return s, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (f *fakeSubStore) Reactivate(_ context.Context, id string, capital float64, overrides domain.SubscriptionOverrides, tradingType domain.TradingType) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	sub.Active = true
	sub.Paused = false
	sub.Capital = capital
	sub.Overrides = overrides
	sub.TradingType = tradingType
	sub.UnsubscribedAt = nil
	sub.PausedAt = nil
	sub.SubscribedAt = time.Now().UTC()
	sub.TotalPnL = 0
	sub.TotalTrades = 0
	sub.WinningTrades = 0
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubStore) Cancel(_ context.Context, id string) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	now := time.Now().UTC()
	sub.Active = false
	sub.UnsubscribedAt = &now
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubStore) SetPaused(_ context.Context, id string, paused bool) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	sub.Paused = paused
	if paused {
		now := time.Now().UTC()
		sub.PausedAt = &now
	} else {
		sub.PausedAt = nil
	}
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubStore) UpdateOverrides(_ context.Context, id string, capital *float64, overrides domain.SubscriptionOverrides) (domain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	if capital != nil {
		sub.Capital = *capital
	}
	sub.Overrides = overrides
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeSubStore) AddTradeResult(_ context.Context, id string, pnl float64, won bool) error {
	sub, ok := f.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.TotalPnL += pnl
	sub.TotalTrades++
	if won {
		sub.WinningTrades++
	}
	f.subs[id] = sub
	return nil
}

func (f *fakeSubStore) ListActiveSubscribers(_ context.Context, strategyID string) ([]domain.ActiveSubscriber, error) {
	var out []domain.ActiveSubscriber
	for _, s := range f.subs {
		if s.StrategyID == strategyID && s.Active && !s.Paused {
			out = append(out, domain.ActiveSubscriber{Subscription: s})
		}
	}
	return out, nil
}

type fakeStrategyStore struct {
	domain.StrategyStore
	strategies map[string]domain.Strategy
}

func (f *fakeStrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeStrategyStore) AdjustSubscriberCount(_ context.Context, id string, delta int) (domain.Strategy, error) {
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	s.SubscriberCount += delta
	if s.SubscriberCount < 0 {
		s.SubscriberCount = 0
	}
	f.strategies[id] = s
	return s, nil
}

type fakeSettings struct {
	strategySettings map[string]settings.StrategySettings
	hydrated         map[string]domain.EffectiveSettings
	deactivated      []string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		strategySettings: map[string]settings.StrategySettings{},
		hydrated:         map[string]domain.EffectiveSettings{},
	}
}

func (f *fakeSettings) GetStrategySettings(_ context.Context, strategyID string) (settings.StrategySettings, error) {
	st, ok := f.strategySettings[strategyID]
	if !ok {
		return settings.StrategySettings{}, domain.ErrMissingStrategyConfig
	}
	return st, nil
}

func (f *fakeSettings) InitializeSubscription(_ context.Context, userID, strategyID string, effective domain.EffectiveSettings) error {
	f.hydrated[userID+"/"+strategyID] = effective
	return nil
}

func (f *fakeSettings) DeactivateSubscription(_ context.Context, userID, strategyID string) error {
	f.deactivated = append(f.deactivated, userID+"/"+strategyID)
	return nil
}

// fakeConfigSync mimics the on-disk repair: it installs its configured
// ExecutionConfig into the strategy store and the settings fake, the way the
// real syncer's write flows through to the cache.
type fakeConfigSync struct {
	strats   *fakeStrategyStore
	settings *fakeSettings
	cfg      domain.ExecutionConfig
	err      error
	synced   []string
}

func (f *fakeConfigSync) SyncConfig(_ context.Context, strategyID string) (domain.Strategy, error) {
	f.synced = append(f.synced, strategyID)
	if f.err != nil {
		return domain.Strategy{}, f.err
	}
	if !f.cfg.Complete() {
		return domain.Strategy{}, domain.ErrMissingStrategyConfig
	}
	s := f.strats.strategies[strategyID]
	s.Config = f.cfg
	f.strats.strategies[strategyID] = s
	f.settings.strategySettings[strategyID] = settings.StrategySettings{Config: f.cfg, Kind: s.Kind, Version: 1}
	return s, nil
}

type registryCall struct {
	op, strategyID, symbol, resolution string
}

type fakeRegistrar struct {
	calls []registryCall
}

func (f *fakeRegistrar) Register(_ context.Context, strategyID, symbol, resolution string) error {
	f.calls = append(f.calls, registryCall{"register", strategyID, symbol, resolution})
	return nil
}

func (f *fakeRegistrar) Unregister(_ context.Context, strategyID, symbol, resolution string) error {
	f.calls = append(f.calls, registryCall{"unregister", strategyID, symbol, resolution})
	return nil
}

type fakeEventBus struct {
	events []domain.EngineEvent
}

func (f *fakeEventBus) Publish(ev domain.EngineEvent) { f.events = append(f.events, ev) }
func (f *fakeEventBus) Subscribe(string) (<-chan domain.EngineEvent, func()) {
	ch := make(chan domain.EngineEvent)
	close(ch)
	return ch, func() {}
}
func (f *fakeEventBus) SubscribeAll() (<-chan domain.EngineEvent, func()) {
	return f.Subscribe("")
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func ptr[T any](v T) *T { return &v }

type fixture struct {
	svc      *Service
	subs     *fakeSubStore
	strats   *fakeStrategyStore
	settings *fakeSettings
	registry *fakeRegistrar
	sync     *fakeConfigSync
	events   *fakeEventBus
}

func newFixture(strategies ...domain.Strategy) *fixture {
	f := &fixture{
		subs:     newFakeSubStore(),
		strats:   &fakeStrategyStore{strategies: map[string]domain.Strategy{}},
		settings: newFakeSettings(),
		registry: &fakeRegistrar{},
		events:   &fakeEventBus{},
	}
	f.sync = &fakeConfigSync{strats: f.strats, settings: f.settings}
	for _, s := range strategies {
		f.strats.strategies[s.ID] = s
		if s.Config.Complete() {
			f.settings.strategySettings[s.ID] = settings.StrategySettings{Config: s.Config, Kind: s.Kind, Version: 1}
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.subs, f.strats, f.settings, f.registry, f.sync, f.events, logger)
	return f
}

func testStrategy() domain.Strategy {
	return domain.Strategy{
		ID:     "s1",
		Name:   "momentum",
		Active: true,
		Kind:   domain.StrategyKindLegacy,
		Config: domain.ExecutionConfig{
			Symbol:       "BTCUSDT",
			Resolution:   "15",
			RiskPerTrade: ptr(0.02),
			Leverage:     ptr(3.0),
		},
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateFirstSubscriberRegisters(t *testing.T) {
	f := newFixture(testStrategy())

	sub, err := f.svc.Create(context.Background(), CreateParams{
		UserID: "u1", StrategyID: "s1", CredentialID: "c1", Capital: 1000,
	})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Equal(t, domain.TradingTypeFutures, sub.TradingType) // USDT suffix

	// Subscriber count went 0 -> 1 and the candle membership was created.
	strat := f.strats.strategies["s1"]
	assert.Equal(t, 1, strat.SubscriberCount)
	require.Len(t, f.registry.calls, 1)
	assert.Equal(t, registryCall{"register", "s1", "BTCUSDT", "15"}, f.registry.calls[0])

	// Effective settings hydrated with strategy defaults.
	eff := f.settings.hydrated["u1/s1"]
	assert.InDelta(t, 0.02, eff.RiskPerTrade, 1e-9)
	assert.InDelta(t, 3.0, eff.Leverage, 1e-9)
	assert.Equal(t, DefaultMaxPositions, eff.MaxPositions)
	assert.InDelta(t, DefaultMaxDailyLoss, eff.MaxDailyLoss, 1e-9)
	assert.True(t, eff.IsActive)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.TopicSubscriptionCreated, f.events.events[0].Topic)
}

func TestCreateSecondSubscriberDoesNotReregister(t *testing.T) {
	f := newFixture(testStrategy())

	_, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), CreateParams{UserID: "u2", StrategyID: "s1"})
	require.NoError(t, err)

	assert.Len(t, f.registry.calls, 1)
	assert.Equal(t, 2, f.strats.strategies["s1"].SubscriberCount)
}

func TestCreateActiveDuplicate(t *testing.T) {
	f := newFixture(testStrategy())

	_, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	assert.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestCreateReactivatesCancelled(t *testing.T) {
	f := newFixture(testStrategy())

	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1", Capital: 500})
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), sub.ID)
	require.NoError(t, err)

	// Simulate accumulated stats on the dead row.
	stale := f.subs.subs[sub.ID]
	stale.TotalPnL = 42
	stale.TotalTrades = 7
	stale.WinningTrades = 3
	f.subs.subs[sub.ID] = stale

	again, err := f.svc.Create(context.Background(), CreateParams{
		UserID: "u1", StrategyID: "s1", Capital: 900,
		Overrides: domain.SubscriptionOverrides{Leverage: ptr(5.0)},
	})
	require.NoError(t, err)

	// Same row, counters reset, new parameters applied.
	assert.Equal(t, sub.ID, again.ID)
	assert.True(t, again.Active)
	assert.InDelta(t, 900, again.Capital, 1e-9)
	assert.Zero(t, again.TotalPnL)
	assert.Zero(t, again.TotalTrades)
	assert.Nil(t, again.UnsubscribedAt)
	require.NotNil(t, again.Overrides.Leverage)
	assert.InDelta(t, 5.0, *again.Overrides.Leverage, 1e-9)
}

func TestCreateInactiveStrategy(t *testing.T) {
	strat := testStrategy()
	strat.Active = false
	f := newFixture(strat)

	_, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	assert.Error(t, err)
}

func TestCreateUnresolvableRisk(t *testing.T) {
	strat := testStrategy()
	strat.Config.RiskPerTrade = nil
	f := newFixture(strat)

	_, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	assert.ErrorIs(t, err, domain.ErrMissingStrategyConfig)

	// The override layer can supply it.
	_, err = f.svc.Create(context.Background(), CreateParams{
		UserID: "u1", StrategyID: "s1",
		Overrides: domain.SubscriptionOverrides{RiskPerTrade: ptr(0.01)},
	})
	assert.NoError(t, err)
}

func TestCreateSurvivesRegistrationFailure(t *testing.T) {
	strat := testStrategy()
	strat.Config = domain.ExecutionConfig{RiskPerTrade: ptr(0.02), Leverage: ptr(2.0)} // no symbol/resolution
	f := newFixture(strat)

	// The on-disk source is just as incomplete, so the auto-sync cannot
	// repair it either; the subscription stands and nothing is registered.
	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Equal(t, []string{"s1"}, f.sync.synced)
	assert.Empty(t, f.registry.calls)
}

func TestFirstSubscriberAutoSyncsIncompleteConfig(t *testing.T) {
	strat := testStrategy()
	strat.Config = domain.ExecutionConfig{RiskPerTrade: ptr(0.02), Leverage: ptr(3.0)} // no symbol/resolution
	f := newFixture(strat)
	// The on-disk STRATEGY_CONFIG has the full picture.
	f.sync.cfg = domain.ExecutionConfig{
		Symbol:       "ETHUSDT",
		Resolution:   "60",
		RiskPerTrade: ptr(0.02),
		Leverage:     ptr(3.0),
	}

	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	assert.True(t, sub.Active)

	// The repair ran and the strategy became schedulable in the same call.
	assert.Equal(t, []string{"s1"}, f.sync.synced)
	require.Len(t, f.registry.calls, 1)
	assert.Equal(t, registryCall{"register", "s1", "ETHUSDT", "60"}, f.registry.calls[0])
}

func TestRecordTradeResultUpdatesCounters(t *testing.T) {
	f := newFixture(testStrategy())

	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordTradeResult(context.Background(), sub.ID, 25))
	require.NoError(t, f.svc.RecordTradeResult(context.Background(), sub.ID, -10))

	got := f.subs.subs[sub.ID]
	assert.InDelta(t, 15, got.TotalPnL, 1e-9)
	assert.Equal(t, 2, got.TotalTrades)
	assert.Equal(t, 1, got.WinningTrades)

	assert.ErrorIs(t, f.svc.RecordTradeResult(context.Background(), "missing", 1), domain.ErrNotFound)
}

func TestTradingTypeInference(t *testing.T) {
	tests := []struct {
		name     string
		explicit domain.TradingType
		cfg      domain.ExecutionConfig
		want     domain.TradingType
	}{
		{"explicit wins", domain.TradingTypeSpot, domain.ExecutionConfig{Symbol: "BTCUSDT", TradingType: domain.TradingTypeFutures}, domain.TradingTypeSpot},
		{"config flag", "", domain.ExecutionConfig{Symbol: "BTCEUR", TradingType: domain.TradingTypeFutures}, domain.TradingTypeFutures},
		{"usdt suffix implies futures", "", domain.ExecutionConfig{Symbol: "ethusdt"}, domain.TradingTypeFutures},
		{"other symbols spot", "", domain.ExecutionConfig{Symbol: "BTCEUR"}, domain.TradingTypeSpot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTradingType(tt.explicit, tt.cfg))
		})
	}
}

// ---------------------------------------------------------------------------
// Cancel / pause
// ---------------------------------------------------------------------------

func TestCancelLastSubscriberUnregisters(t *testing.T) {
	f := newFixture(testStrategy())

	sub1, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	sub2, err := f.svc.Create(context.Background(), CreateParams{UserID: "u2", StrategyID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), sub1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.strats.strategies["s1"].SubscriberCount)
	// Still one register call, no unregister yet.
	assert.Len(t, f.registry.calls, 1)

	_, err = f.svc.Cancel(context.Background(), sub2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.strats.strategies["s1"].SubscriberCount)
	require.Len(t, f.registry.calls, 2)
	assert.Equal(t, "unregister", f.registry.calls[1].op)

	assert.Contains(t, f.settings.deactivated, "u1/s1")
	assert.Contains(t, f.settings.deactivated, "u2/s1")
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(testStrategy())

	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), sub.ID)
	require.NoError(t, err)
	countAfterFirst := f.strats.strategies["s1"].SubscriberCount

	// A second cancel is a no-op: no double decrement, no extra events.
	eventsBefore := len(f.events.events)
	_, err = f.svc.Cancel(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, countAfterFirst, f.strats.strategies["s1"].SubscriberCount)
	assert.Len(t, f.events.events, eventsBefore)
}

func TestPauseResumeLeavesRegistryAlone(t *testing.T) {
	f := newFixture(testStrategy())

	sub, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	callsAfterCreate := len(f.registry.calls)

	paused, err := f.svc.Pause(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, paused.Paused)
	require.NotNil(t, paused.PausedAt)

	resumed, err := f.svc.Resume(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Paused)
	assert.Nil(t, resumed.PausedAt)

	assert.Len(t, f.registry.calls, callsAfterCreate)
}

func TestGetActiveSubscribersExcludesPausedAndCancelled(t *testing.T) {
	f := newFixture(testStrategy())

	active, err := f.svc.Create(context.Background(), CreateParams{UserID: "u1", StrategyID: "s1"})
	require.NoError(t, err)
	paused, err := f.svc.Create(context.Background(), CreateParams{UserID: "u2", StrategyID: "s1"})
	require.NoError(t, err)
	cancelled, err := f.svc.Create(context.Background(), CreateParams{UserID: "u3", StrategyID: "s1"})
	require.NoError(t, err)

	_, err = f.svc.Pause(context.Background(), paused.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)

	subs, err := f.svc.GetActiveSubscribers(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, active.ID, subs[0].Subscription.ID)
}
