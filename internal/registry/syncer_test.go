package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratd/internal/domain"
)

// Write methods for the fake store, used through the interceptor.

func (f *fakeStrategyStore) Create(_ context.Context, s domain.Strategy) (domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.strategies[s.ID]; exists {
		return domain.Strategy{}, domain.ErrAlreadyExists
	}
	f.strategies[s.ID] = s
	return s, nil
}

func (f *fakeStrategyStore) UpdateExecutionConfig(_ context.Context, id string, cfg domain.ExecutionConfig) (domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	s.Config = cfg
	f.strategies[id] = s
	return s, nil
}

func (f *fakeStrategyStore) SetActive(_ context.Context, id string, active bool) (domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	s.Active = active
	f.strategies[id] = s
	return s, nil
}

func (f *fakeStrategyStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strategies[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.strategies, id)
	return nil
}

func (f *fakeStrategyStore) DeleteMany(_ context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := f.strategies[id]; ok {
			delete(f.strategies, id)
			n++
		}
	}
	return n, nil
}

type fakeSettingsDropper struct {
	domain.SettingsCache
	mu      sync.Mutex
	dropped []string
}

func (f *fakeSettingsDropper) DropStrategySettings(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return nil
}

type syncFixture struct {
	store    *fakeStrategyStore
	cache    *fakeRegistryCache
	settings *fakeSettingsDropper
	wrapped  *InterceptingStrategyStore
}

func newSyncFixture(strategies ...domain.Strategy) *syncFixture {
	store := newFakeStrategyStore(strategies...)
	cache := newFakeRegistryCache()
	settings := &fakeSettingsDropper{}
	registry := New(cache, newFakeSignalBus(), store, nil, discard())
	syncer := NewCacheSyncer(registry, settings, discard())
	return &syncFixture{
		store:    store,
		cache:    cache,
		settings: settings,
		wrapped:  NewInterceptingStrategyStore(store, syncer, discard()),
	}
}

func TestInterceptCreateRegistersSchedulable(t *testing.T) {
	f := newSyncFixture()

	created, err := f.wrapped.Create(context.Background(), schedulableStrategy("s1", "BTCUSDT", "15", 0))
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID)

	// Active with complete config: registered even before subscribers, the
	// zero-subscriber guard lives in the reconciler.
	ok, err := f.cache.IsMember(context.Background(), "BTCUSDT", "15", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"s1"}, f.settings.dropped)
}

func TestInterceptCreateIncompleteConfigStaysOut(t *testing.T) {
	f := newSyncFixture()

	_, err := f.wrapped.Create(context.Background(), schedulableStrategy("s1", "", "", 0))
	require.NoError(t, err)
	assert.Empty(t, f.cache.membership())
}

func TestInterceptDeactivateUnregisters(t *testing.T) {
	f := newSyncFixture(schedulableStrategy("s1", "BTCUSDT", "15", 1))
	require.NoError(t, f.cache.AddMember(context.Background(), "BTCUSDT", "15", "s1"))
	require.NoError(t, f.cache.SetRegistration(context.Background(), "s1", "BTCUSDT", "15"))

	_, err := f.wrapped.SetActive(context.Background(), "s1", false)
	require.NoError(t, err)

	assert.Empty(t, f.cache.membership())
	assert.Contains(t, f.settings.dropped, "s1")
}

func TestInterceptReactivateRegisters(t *testing.T) {
	inactive := schedulableStrategy("s1", "BTCUSDT", "15", 1)
	inactive.Active = false
	f := newSyncFixture(inactive)

	_, err := f.wrapped.SetActive(context.Background(), "s1", true)
	require.NoError(t, err)

	ok, err := f.cache.IsMember(context.Background(), "BTCUSDT", "15", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInterceptConfigMoveRelocatesMembership(t *testing.T) {
	f := newSyncFixture(schedulableStrategy("s1", "BTCUSDT", "15", 1))
	require.NoError(t, f.cache.AddMember(context.Background(), "BTCUSDT", "15", "s1"))
	require.NoError(t, f.cache.SetRegistration(context.Background(), "s1", "BTCUSDT", "15"))

	cfg := domain.ExecutionConfig{Symbol: "ETHUSDT", Resolution: "60", RiskPerTrade: ptr(0.02), Leverage: ptr(2.0)}
	_, err := f.wrapped.UpdateExecutionConfig(context.Background(), "s1", cfg)
	require.NoError(t, err)

	assert.Equal(t, map[domain.CandleKey][]string{
		{Symbol: "ETHUSDT", Resolution: "60"}: {"s1"},
	}, f.cache.membership())
}

func TestInterceptDeleteCleansCache(t *testing.T) {
	f := newSyncFixture(schedulableStrategy("s1", "BTCUSDT", "15", 1))
	require.NoError(t, f.cache.AddMember(context.Background(), "BTCUSDT", "15", "s1"))
	require.NoError(t, f.cache.SetRegistration(context.Background(), "s1", "BTCUSDT", "15"))

	require.NoError(t, f.wrapped.Delete(context.Background(), "s1"))

	assert.Empty(t, f.cache.membership())
	_, _, err := f.cache.GetRegistration(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInterceptDeleteManyTriggersReconcile(t *testing.T) {
	f := newSyncFixture(
		schedulableStrategy("keep", "BTCUSDT", "15", 1),
		schedulableStrategy("gone", "ETHUSDT", "60", 1),
	)
	require.NoError(t, f.cache.AddMember(context.Background(), "BTCUSDT", "15", "keep"))
	require.NoError(t, f.cache.AddMember(context.Background(), "ETHUSDT", "60", "gone"))

	n, err := f.wrapped.DeleteMany(context.Background(), []string{"gone"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The bulk path reconciles: the deleted row's membership is gone, the
	// surviving one is intact.
	assert.Equal(t, map[domain.CandleKey][]string{
		{Symbol: "BTCUSDT", Resolution: "15"}: {"keep"},
	}, f.cache.membership())
}

func TestInterceptDurableWriteSurvivesHandlerFailure(t *testing.T) {
	store := newFakeStrategyStore()
	failing := &failingHandler{}
	wrapped := NewInterceptingStrategyStore(store, failing, discard())

	created, err := wrapped.Create(context.Background(), schedulableStrategy("s1", "BTCUSDT", "15", 0))
	require.NoError(t, err)
	assert.Equal(t, "s1", created.ID)

	// The row landed despite the cache-sync failure.
	_, err = store.GetByID(context.Background(), "s1")
	assert.NoError(t, err)
	assert.Equal(t, 1, failing.calls)
}

type failingHandler struct {
	calls int
}

func (f *failingHandler) ApplyStrategyChange(context.Context, domain.StrategyChange) error {
	f.calls++
	return domain.ErrCacheUnavailable
}
