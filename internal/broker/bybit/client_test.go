package bybit

import (
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
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testKeys = domain.BrokerKeys{APIKey: "key-1", APISecret: "secret-1"}

func TestSignHeadersDeterministic(t *testing.T) {
	h := signHeadersAt("key-1", "secret-1", "category=linear&symbol=BTCUSDT", 1700000000000)

	assert.Equal(t, "key-1", h["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", h["X-BAPI-TIMESTAMP"])
	assert.Equal(t, recvWindow, h["X-BAPI-RECV-WINDOW"])
	// 64 hex chars of HMAC-SHA256, stable for fixed inputs.
	assert.Len(t, h["X-BAPI-SIGN"], 64)

	again := signHeadersAt("key-1", "secret-1", "category=linear&symbol=BTCUSDT", 1700000000000)
	assert.Equal(t, h["X-BAPI-SIGN"], again["X-BAPI-SIGN"])

	other := signHeadersAt("key-1", "secret-1", "category=linear&symbol=ETHUSDT", 1700000000000)
	assert.NotEqual(t, h["X-BAPI-SIGN"], other["X-BAPI-SIGN"])
}

func TestInstrumentParsesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"category": "linear",
				"list": []map[string]any{{
					"symbol": "BTCUSDT",
					"lotSizeFilter": map[string]any{
						"qtyStep":     "0.001",
						"minOrderQty": "0.001",
					},
					"priceFilter":    map[string]any{"tickSize": "0.1"},
					"leverageFilter": map[string]any{"maxLeverage": "100"},
				}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, discard())
	inst, err := c.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.001, inst.QuantityIncrement, 1e-9)
	assert.InDelta(t, 100, inst.MaxLeverage, 1e-9)
}

func TestPlaceMarketOrderSignsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-BAPI-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-TIMESTAMP"))

		var body orderCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Market", body.OrderType)
		assert.Equal(t, "0.007", body.Qty)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 0,
			"result":  map[string]any{"orderId": "ord-123"},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, discard())
	order, err := c.PlaceMarketOrder(context.Background(), testKeys, broker.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     broker.Buy,
		Quantity: 0.007,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-123", order.ID)
}

func TestRetCodeErrorSurfacesAsBrokerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 10003,
			"retMsg":  "API key is invalid",
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, discard())
	_, err := c.Wallets(context.Background(), testKeys)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerCallFailed)
	assert.Contains(t, err.Error(), "10003")
}

func TestDryRunShortCircuitsMutations(t *testing.T) {
	// No server: a real HTTP call would fail loudly.
	c := New(Config{BaseURL: "http://127.0.0.1:1", DryRun: true}, discard())

	order, err := c.PlaceMarketOrder(context.Background(), testKeys, broker.OrderRequest{
		Symbol: "BTCUSDT", Side: broker.Sell, Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "Filled", order.Status)
	assert.NotEmpty(t, order.ID)

	assert.NoError(t, c.CancelOrder(context.Background(), testKeys, "BTCUSDT", "x"))
}

func TestSideMapping(t *testing.T) {
	assert.Equal(t, broker.Buy, broker.SideFor(domain.TradeSideLong))
	assert.Equal(t, broker.Sell, broker.SideFor(domain.TradeSideShort))
	assert.Equal(t, broker.Sell, broker.Buy.Opposite())
	assert.Equal(t, broker.Buy, broker.Sell.Opposite())
}
