// Package bybit implements the broker capability surface against the Bybit
// v5 REST API (linear perpetuals). Credentials travel per call; the client
// itself is shared across all tenants.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/stratforge/stratd/internal/broker"
	"github.com/stratforge/stratd/internal/domain"
)

const category = "linear"

// Config configures the Bybit client.
type Config struct {
	BaseURL string
	// Timeout bounds each HTTP request. Zero means 10s.
	Timeout time.Duration
	// MaxRetries caps retries on 5xx/network errors. Zero means 3.
	MaxRetries int
	// DryRun short-circuits every mutating call with a fake success.
	DryRun bool
}

// Client talks to the Bybit v5 REST API.
type Client struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger
}

// New creates a Bybit client with timeout and retry on 5xx/network errors.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		dryRun: cfg.DryRun,
		logger: logger.With(slog.String("component", "bybit")),
	}
}

// Instrument returns precision and leverage limits for a symbol.
func (c *Client) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	var out envelope[listResult[instrumentInfo]]
	query := url.Values{"category": {category}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/instruments-info", query, nil, &out); err != nil {
		return broker.Instrument{}, err
	}
	if len(out.Result.List) == 0 {
		return broker.Instrument{}, fmt.Errorf("bybit: instrument %s: %w", symbol, domain.ErrNotFound)
	}
	info := out.Result.List[0]
	return broker.Instrument{
		Symbol:            info.Symbol,
		QuantityIncrement: f(info.LotSizeFilter.QtyStep),
		MinQuantity:       f(info.LotSizeFilter.MinOrderQty),
		PriceIncrement:    f(info.PriceFilter.TickSize),
		MaxLeverage:       f(info.LeverageFilter.MaxLeverage),
	}, nil
}

// Tickers returns last-price tickers for the given symbols.
func (c *Client) Tickers(ctx context.Context, symbols []string) (map[string]broker.Ticker, error) {
	var out envelope[listResult[tickerInfo]]
	query := url.Values{"category": {category}}
	if err := c.get(ctx, "/v5/market/tickers", query, nil, &out); err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	tickers := make(map[string]broker.Ticker, len(symbols))
	for _, t := range out.Result.List {
		if _, ok := want[t.Symbol]; !ok && len(want) > 0 {
			continue
		}
		tickers[t.Symbol] = broker.Ticker{
			Symbol:    t.Symbol,
			LastPrice: f(t.LastPrice),
			Bid:       f(t.Bid1Price),
			Ask:       f(t.Ask1Price),
		}
	}
	return tickers, nil
}

// Wallets returns the futures account coin balances.
func (c *Client) Wallets(ctx context.Context, keys domain.BrokerKeys) ([]broker.Wallet, error) {
	var out envelope[listResult[walletAccount]]
	query := url.Values{"accountType": {"UNIFIED"}}
	if err := c.get(ctx, "/v5/account/wallet-balance", query, &keys, &out); err != nil {
		return nil, err
	}

	var wallets []broker.Wallet
	for _, account := range out.Result.List {
		for _, coin := range account.Coin {
			wallets = append(wallets, broker.Wallet{
				Coin:      coin.Coin,
				Balance:   f(coin.WalletBalance),
				Available: f(coin.AvailableToTrade),
			})
		}
	}
	return wallets, nil
}

// PlaceMarketOrder submits a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, keys domain.BrokerKeys, req broker.OrderRequest) (broker.Order, error) {
	return c.placeOrder(ctx, keys, req, "Market")
}

// PlaceLimitOrder submits a limit order; with TriggerPrice set it becomes a
// conditional order (used for SL/TP).
func (c *Client) PlaceLimitOrder(ctx context.Context, keys domain.BrokerKeys, req broker.OrderRequest) (broker.Order, error) {
	return c.placeOrder(ctx, keys, req, "Limit")
}

func (c *Client) placeOrder(ctx context.Context, keys domain.BrokerKeys, req broker.OrderRequest, orderType string) (broker.Order, error) {
	if c.dryRun {
		c.logger.InfoContext(ctx, "dry-run order",
			slog.String("symbol", req.Symbol),
			slog.String("side", string(req.Side)),
			slog.String("type", orderType),
			slog.Float64("qty", req.Quantity))
		return broker.Order{
			ID:       "dry-" + uuid.NewString(),
			Symbol:   req.Symbol,
			Side:     req.Side,
			Type:     orderType,
			Quantity: req.Quantity,
			Price:    req.Price,
			Status:   "Filled",
		}, nil
	}

	body := orderCreateRequest{
		Category:   category,
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		OrderType:  orderType,
		Qty:        trim(req.Quantity),
		ReduceOnly: req.ReduceOnly,
	}
	if orderType == "Limit" {
		body.Price = trim(req.Price)
		body.TimeInForce = "GTC"
	}
	if req.TriggerPrice > 0 {
		body.TriggerPrice = trim(req.TriggerPrice)
	}

	var out envelope[createOrderResult]
	if err := c.post(ctx, "/v5/order/create", &keys, body, &out); err != nil {
		return broker.Order{}, err
	}
	return broker.Order{
		ID:       out.Result.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     orderType,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   "New",
	}, nil
}

// GetOrder fetches one order by ID.
func (c *Client) GetOrder(ctx context.Context, keys domain.BrokerKeys, symbol, orderID string) (broker.Order, error) {
	var out envelope[listResult[orderInfo]]
	query := url.Values{"category": {category}, "symbol": {symbol}, "orderId": {orderID}}
	if err := c.get(ctx, "/v5/order/realtime", query, &keys, &out); err != nil {
		return broker.Order{}, err
	}
	if len(out.Result.List) == 0 {
		return broker.Order{}, fmt.Errorf("bybit: order %s: %w", orderID, domain.ErrNotFound)
	}
	return toOrder(out.Result.List[0]), nil
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, keys domain.BrokerKeys, symbol, orderID string) error {
	if c.dryRun {
		return nil
	}
	var out envelope[createOrderResult]
	return c.post(ctx, "/v5/order/cancel", &keys, orderCancelRequest{
		Category: category,
		Symbol:   symbol,
		OrderID:  orderID,
	}, &out)
}

// Positions lists open positions, optionally filtered by symbol.
func (c *Client) Positions(ctx context.Context, keys domain.BrokerKeys, symbol string) ([]broker.Position, error) {
	var out envelope[listResult[positionInfo]]
	query := url.Values{"category": {category}}
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", "USDT")
	}
	if err := c.get(ctx, "/v5/position/list", query, &keys, &out); err != nil {
		return nil, err
	}

	var positions []broker.Position
	for _, p := range out.Result.List {
		if f(p.Size) == 0 {
			continue
		}
		positions = append(positions, broker.Position{
			PositionID:       strconv.Itoa(p.PositionIdx),
			Symbol:           p.Symbol,
			Side:             broker.OrderSide(p.Side),
			Size:             f(p.Size),
			EntryPrice:       f(p.AvgPrice),
			Leverage:         f(p.Leverage),
			LiquidationPrice: f(p.LiqPrice),
			UnrealizedPnL:    f(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// OpenOrders lists unfilled orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, keys domain.BrokerKeys, symbol string) ([]broker.Order, error) {
	var out envelope[listResult[orderInfo]]
	query := url.Values{"category": {category}, "symbol": {symbol}, "openOnly": {"0"}}
	if err := c.get(ctx, "/v5/order/realtime", query, &keys, &out); err != nil {
		return nil, err
	}
	orders := make([]broker.Order, 0, len(out.Result.List))
	for _, o := range out.Result.List {
		orders = append(orders, toOrder(o))
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// get performs a GET; keys == nil means a public endpoint.
func (c *Client) get(ctx context.Context, path string, query url.Values, keys *domain.BrokerKeys, out interface{ retErr() error }) error {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		SetResult(out)
	if keys != nil {
		req.SetHeaders(signHeaders(keys.APIKey, keys.APISecret, query.Encode()))
	}
	resp, err := req.Get(path)
	return c.check(path, resp, err, out)
}

func (c *Client) post(ctx context.Context, path string, keys *domain.BrokerKeys, body any, out interface{ retErr() error }) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: marshal %s: %w", path, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(signHeaders(keys.APIKey, keys.APISecret, string(payload))).
		SetBody(payload).
		SetResult(out).
		Post(path)
	return c.check(path, resp, err, out)
}

func (c *Client) check(path string, resp *resty.Response, err error, out interface{ retErr() error }) error {
	if err != nil {
		return fmt.Errorf("bybit: %s: %v: %w", path, err, domain.ErrBrokerCallFailed)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("bybit: %s: status %d: %s: %w", path, resp.StatusCode(), resp.String(), domain.ErrBrokerCallFailed)
	}
	if rerr := out.retErr(); rerr != nil {
		return fmt.Errorf("bybit: %s: %v: %w", path, rerr, domain.ErrBrokerCallFailed)
	}
	return nil
}

func (e envelope[T]) retErr() error {
	if e.RetCode != 0 {
		return fmt.Errorf("retCode %d: %s", e.RetCode, e.RetMsg)
	}
	return nil
}

func toOrder(o orderInfo) broker.Order {
	return broker.Order{
		ID:        o.OrderID,
		Symbol:    o.Symbol,
		Side:      broker.OrderSide(o.Side),
		Type:      o.OrderType,
		Quantity:  f(o.Qty),
		Price:     f(o.Price),
		Status:    o.OrderStatus,
		CreatedAt: o.CreatedTime,
	}
}

func f(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func trim(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compile-time interface check.
var _ broker.Client = (*Client)(nil)
