package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratd/internal/bus"
	"github.com/stratforge/stratd/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersByEvent(t *testing.T) {
	s := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{s}, []string{domain.TopicExecutionError}, discard())

	require.NoError(t, n.Notify(context.Background(), domain.TopicExecutionError, "boom", "detail"))
	require.NoError(t, n.Notify(context.Background(), domain.TopicTradeCreated, "ignored", "detail"))

	assert.Equal(t, []string{"boom"}, s.sent())
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{s}, nil, discard())

	require.NoError(t, n.Notify(context.Background(), "anything", "a", "b"))
	assert.Len(t, s.sent(), 1)
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("webhook 500")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "title", "msg")
	assert.Error(t, err)
	assert.Equal(t, []string{"title"}, good.sent())
}

func TestBridgeForwardsExecutionErrors(t *testing.T) {
	events := bus.New(discard())
	s := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{s}, nil, discard())
	b := NewBridge(events, n, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	// Give the bridge a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	events.Publish(domain.EngineEvent{
		Topic:      domain.TopicExecutionError,
		StrategyID: "s1",
		Symbol:     "BTCUSDT",
		Error:      "runtime timeout",
	})
	events.Publish(domain.EngineEvent{
		Topic:   domain.TopicTradeCreated,
		Symbol:  "BTCUSDT",
		TradeID: "t1",
	})

	assert.Eventually(t, func() bool {
		return len(s.sent()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Delivery order across the two subscriptions is not guaranteed.
	joined := strings.Join(s.sent(), "\n")
	assert.Contains(t, joined, "Execution failed: s1")
	assert.Contains(t, joined, "Trade opened: BTCUSDT")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}
