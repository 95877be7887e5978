package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratd/internal/domain"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeRegistryCache struct {
	mu            sync.Mutex
	sets          map[domain.CandleKey]map[string]struct{}
	registrations map[string]domain.CandleKey
}

func newFakeRegistryCache() *fakeRegistryCache {
	return &fakeRegistryCache{
		sets:          map[domain.CandleKey]map[string]struct{}{},
		registrations: map[string]domain.CandleKey{},
	}
}

func (f *fakeRegistryCache) AddMember(_ context.Context, symbol, resolution, strategyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.CandleKey{Symbol: symbol, Resolution: resolution}
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	f.sets[key][strategyID] = struct{}{}
	return nil
}

func (f *fakeRegistryCache) RemoveMember(_ context.Context, symbol, resolution, strategyID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.CandleKey{Symbol: symbol, Resolution: resolution}
	if set, ok := f.sets[key]; ok {
		delete(set, strategyID)
		if len(set) == 0 {
			delete(f.sets, key)
			return 0, nil
		}
		return int64(len(set)), nil
	}
	return 0, nil
}

func (f *fakeRegistryCache) Members(_ context.Context, symbol, resolution string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.sets[domain.CandleKey{Symbol: symbol, Resolution: resolution}] {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRegistryCache) IsMember(_ context.Context, symbol, resolution, strategyID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[domain.CandleKey{Symbol: symbol, Resolution: resolution}][strategyID]
	return ok, nil
}

func (f *fakeRegistryCache) ActiveCandles(context.Context) ([]domain.CandleKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CandleKey
	for key := range f.sets {
		out = append(out, key)
	}
	return out, nil
}

func (f *fakeRegistryCache) SetRegistration(_ context.Context, strategyID, symbol, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations[strategyID] = domain.CandleKey{Symbol: symbol, Resolution: resolution}
	return nil
}

func (f *fakeRegistryCache) GetRegistration(_ context.Context, strategyID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.registrations[strategyID]
	if !ok {
		return "", "", domain.ErrNotFound
	}
	return key.Symbol, key.Resolution, nil
}

func (f *fakeRegistryCache) DropRegistration(_ context.Context, strategyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registrations, strategyID)
	return nil
}

func (f *fakeRegistryCache) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = map[domain.CandleKey]map[string]struct{}{}
	f.registrations = map[string]domain.CandleKey{}
	return nil
}

func (f *fakeRegistryCache) membership() map[domain.CandleKey][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.CandleKey][]string{}
	for key, set := range f.sets {
		for id := range set {
			out[key] = append(out[key], id)
		}
		sort.Strings(out[key])
	}
	return out
}

type fakeSignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string]chan []byte
}

func newFakeSignalBus() *fakeSignalBus {
	return &fakeSignalBus{
		published: map[string][][]byte{},
		subs:      map[string]chan []byte{},
	}
}

func (f *fakeSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], payload)
	if ch, ok := f.subs[channel]; ok {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (f *fakeSignalBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []byte, 16)
	f.subs[channel] = ch
	return ch, nil
}

type fakeStrategyStore struct {
	domain.StrategyStore
	mu         sync.Mutex
	strategies map[string]domain.Strategy
}

func newFakeStrategyStore(strategies ...domain.Strategy) *fakeStrategyStore {
	f := &fakeStrategyStore{strategies: map[string]domain.Strategy{}}
	for _, s := range strategies {
		f.strategies[s.ID] = s
	}
	return f
}

func (f *fakeStrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeStrategyStore) ListSchedulable(context.Context) ([]domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Strategy
	for _, s := range f.strategies {
		if s.Schedulable() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStrategyStore) ListActiveSubscribed(context.Context) ([]domain.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Strategy
	for _, s := range f.strategies {
		if s.Active && s.SubscriberCount > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStrategyStore) put(s domain.Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[s.ID] = s
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func ptr[T any](v T) *T { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func schedulableStrategy(id, symbol, resolution string, subscribers int) domain.Strategy {
	return domain.Strategy{
		ID:              id,
		Active:          true,
		SubscriberCount: subscribers,
		Config: domain.ExecutionConfig{
			Symbol:       symbol,
			Resolution:   resolution,
			RiskPerTrade: ptr(0.02),
			Leverage:     ptr(2.0),
		},
	}
}

func newTestRegistry(store *fakeStrategyStore) (*Registry, *fakeRegistryCache, *fakeSignalBus) {
	cache := newFakeRegistryCache()
	signals := newFakeSignalBus()
	return New(cache, signals, store, nil, discard()), cache, signals
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegisterAndGetForCandle(t *testing.T) {
	r, cache, signals := newTestRegistry(newFakeStrategyStore())

	require.NoError(t, r.Register(context.Background(), "s1", "BTCUSDT", "15"))
	require.NoError(t, r.Register(context.Background(), "s2", "BTCUSDT", "15"))

	ids, err := r.GetForCandle(context.Background(), "BTCUSDT", "15")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	// Registration hashes recorded.
	symbol, resolution, err := cache.GetRegistration(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.Equal(t, "15", resolution)

	// Deltas published for other processes.
	require.Len(t, signals.published[ChannelRegister], 2)
	var d delta
	require.NoError(t, json.Unmarshal(signals.published[ChannelRegister][0], &d))
	assert.Equal(t, "s1", d.StrategyID)
}

func TestRegisterEmptyIdentifier(t *testing.T) {
	r, _, _ := newTestRegistry(newFakeStrategyStore())

	assert.ErrorIs(t, r.Register(context.Background(), "", "BTCUSDT", "15"), domain.ErrEmptyIdentifier)
	assert.ErrorIs(t, r.Register(context.Background(), "s1", "", "15"), domain.ErrEmptyIdentifier)
	assert.ErrorIs(t, r.Unregister(context.Background(), "s1", "BTCUSDT", ""), domain.ErrEmptyIdentifier)
}

func TestUnregisterDeletesEmptySet(t *testing.T) {
	r, cache, _ := newTestRegistry(newFakeStrategyStore())

	require.NoError(t, r.Register(context.Background(), "s1", "BTCUSDT", "15"))
	require.NoError(t, r.Unregister(context.Background(), "s1", "BTCUSDT", "15"))

	candles, err := cache.ActiveCandles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candles)

	ids, err := r.GetForCandle(context.Background(), "BTCUSDT", "15")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateRegistrationMovesCandle(t *testing.T) {
	r, _, _ := newTestRegistry(newFakeStrategyStore())

	require.NoError(t, r.Register(context.Background(), "s1", "BTCUSDT", "15"))
	require.NoError(t, r.UpdateRegistration(context.Background(), "s1", "BTCUSDT", "15", "ETHUSDT", "60"))

	old, err := r.GetForCandle(context.Background(), "BTCUSDT", "15")
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := r.GetForCandle(context.Background(), "ETHUSDT", "60")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, moved)

	// Same-candle update is a no-op.
	require.NoError(t, r.UpdateRegistration(context.Background(), "s1", "ETHUSDT", "60", "ETHUSDT", "60"))
}

func TestGetForCandleFallsBackToSharedCache(t *testing.T) {
	store := newFakeStrategyStore()
	cache := newFakeRegistryCache()
	require.NoError(t, cache.AddMember(context.Background(), "BTCUSDT", "15", "s1"))

	// Fresh registry with an empty local map.
	r := New(cache, newFakeSignalBus(), store, nil, discard())

	ids, err := r.GetForCandle(context.Background(), "BTCUSDT", "15")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestInboundDeltaAppliesLocallyWithoutRepublish(t *testing.T) {
	r, _, signals := newTestRegistry(newFakeStrategyStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	payload, _ := json.Marshal(delta{StrategyID: "remote", Symbol: "SOLUSDT", Resolution: "5"})
	require.NoError(t, signals.Publish(ctx, ChannelRegister, payload))

	assert.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.local[domain.CandleKey{Symbol: "SOLUSDT", Resolution: "5"}]["remote"]
		return ok
	}, testWait, testTick)

	// The inbound delta must not echo back out.
	signals.mu.Lock()
	published := len(signals.published[ChannelRegister])
	signals.mu.Unlock()
	assert.Equal(t, 1, published)
}

func TestStartRegistersActiveSubscribed(t *testing.T) {
	store := newFakeStrategyStore(
		schedulableStrategy("s1", "BTCUSDT", "15", 2),
		schedulableStrategy("s2", "ETHUSDT", "60", 1),
		// No subscribers: stays out.
		schedulableStrategy("s3", "SOLUSDT", "5", 0),
	)
	inactive := schedulableStrategy("s4", "XRPUSDT", "30", 1)
	inactive.Active = false
	store.put(inactive)

	r, cache, _ := newTestRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	got := cache.membership()
	assert.Equal(t, map[domain.CandleKey][]string{
		{Symbol: "BTCUSDT", Resolution: "15"}: {"s1"},
		{Symbol: "ETHUSDT", Resolution: "60"}: {"s2"},
	}, got)
}

func TestStartSkipsIncompleteWithoutSyncer(t *testing.T) {
	broken := schedulableStrategy("s1", "", "", 1)
	store := newFakeStrategyStore(broken)

	r, cache, _ := newTestRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	assert.Empty(t, cache.membership())
}

type fakeConfigSyncer struct {
	repaired map[string]domain.Strategy
}

func (f *fakeConfigSyncer) SyncConfig(_ context.Context, strategyID string) (domain.Strategy, error) {
	s, ok := f.repaired[strategyID]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return s, nil
}

func TestStartAutoSyncsIncompleteConfig(t *testing.T) {
	broken := schedulableStrategy("s1", "", "", 1)
	store := newFakeStrategyStore(broken)
	cache := newFakeRegistryCache()

	syncer := &fakeConfigSyncer{repaired: map[string]domain.Strategy{
		"s1": schedulableStrategy("s1", "BTCUSDT", "15", 1),
	}}
	r := New(cache, newFakeSignalBus(), store, syncer, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	assert.Equal(t, map[domain.CandleKey][]string{
		{Symbol: "BTCUSDT", Resolution: "15"}: {"s1"},
	}, cache.membership())
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func TestReconcileDropsOrphansAndRestoresMissing(t *testing.T) {
	store := newFakeStrategyStore(
		schedulableStrategy("alive", "BTCUSDT", "15", 1),
		schedulableStrategy("inactive", "ETHUSDT", "60", 1),
		schedulableStrategy("lost", "SOLUSDT", "5", 2),
	)
	inactive, _ := store.GetByID(context.Background(), "inactive")
	inactive.Active = false
	store.put(inactive)

	r, cache, _ := newTestRegistry(store)
	ctx := context.Background()

	// Cache state drifted: a deleted strategy, an inactive one, an empty
	// member, and "lost" missing entirely.
	require.NoError(t, cache.AddMember(ctx, "BTCUSDT", "15", "alive"))
	require.NoError(t, cache.AddMember(ctx, "BTCUSDT", "15", "deleted"))
	require.NoError(t, cache.AddMember(ctx, "BTCUSDT", "15", ""))
	require.NoError(t, cache.AddMember(ctx, "ETHUSDT", "60", "inactive"))

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Orphaned)
	assert.Equal(t, 1, res.Missing)
	assert.Empty(t, res.Errors)

	assert.Equal(t, map[domain.CandleKey][]string{
		{Symbol: "BTCUSDT", Resolution: "15"}: {"alive"},
		{Symbol: "SOLUSDT", Resolution: "5"}:  {"lost"},
	}, cache.membership())

	// Idempotent: an immediate second pass finds nothing to repair.
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Orphaned)
	assert.Zero(t, res.Missing)
}

// TestReconcileConvergesAfterRandomChurn drives a random sequence of
// durable-store mutations without telling the cache, then checks a single
// reconcile converges the cache to exactly the schedulable set.
func TestReconcileConvergesAfterRandomChurn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	resolutions := []string{"5", "15", "60"}

	store := newFakeStrategyStore()
	r, cache, _ := newTestRegistry(store)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("s%d", i)
		s := schedulableStrategy(id, symbols[rng.Intn(len(symbols))], resolutions[rng.Intn(len(resolutions))], rng.Intn(3))
		s.Active = rng.Intn(4) != 0
		store.put(s)
		// Half the time the cache saw a stale registration.
		if rng.Intn(2) == 0 {
			require.NoError(t, cache.AddMember(ctx, symbols[rng.Intn(len(symbols))], resolutions[rng.Intn(len(resolutions))], id))
		}
	}

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	want := map[domain.CandleKey][]string{}
	schedulable, _ := store.ListSchedulable(ctx)
	for _, s := range schedulable {
		key := domain.CandleKey{Symbol: s.Config.Symbol, Resolution: s.Config.Resolution}
		want[key] = append(want[key], s.ID)
	}
	for key := range want {
		sort.Strings(want[key])
	}
	assert.Equal(t, want, cache.membership())

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Orphaned)
	assert.Zero(t, res.Missing)
}
