package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/stratforge/stratd/internal/domain"
)

// Default runner timeouts. A child that blows its deadline is killed and the
// run is recorded FAILED; the next candle starts clean because the lock TTL
// is shorter than the interval.
const (
	LegacyTimeout  = 5 * time.Minute
	WrapperTimeout = 10 * time.Minute
)

// LegacyRequest is the stdin payload of the legacy signal runner.
type LegacyRequest struct {
	StrategyID    string            `json:"strategy_id"`
	ExecutionTime time.Time         `json:"execution_time"`
	Settings      map[string]string `json:"settings"`
}

type legacyResult struct {
	Success bool           `json:"success"`
	Signal  *signalPayload `json:"signal"`
	Logs    []string       `json:"logs"`
	Error   string         `json:"error"`
}

type signalPayload struct {
	Signal     string            `json:"signal"`
	Price      float64           `json:"price"`
	StopLoss   *float64          `json:"stop_loss"`
	TakeProfit *float64          `json:"take_profit"`
	Metadata   map[string]string `json:"metadata"`
}

// WrapperSubscriber is one subscriber entry handed to the multi-tenant and
// livetrader wrappers, credentials already decrypted.
type WrapperSubscriber struct {
	UserID         string  `json:"user_id"`
	SubscriptionID string  `json:"subscription_id"`
	APIKey         string  `json:"api_key"`
	APISecret      string  `json:"api_secret"`
	Capital        float64 `json:"capital"`
	RiskPerTrade   float64 `json:"risk_per_trade"`
	Leverage       float64 `json:"leverage"`
}

// WrapperRequest is the stdin payload of the multi-tenant and livetrader
// wrappers. The wrappers place orders themselves.
type WrapperRequest struct {
	StrategyCode string              `json:"strategy_code"`
	StrategyID   string              `json:"strategy_id"`
	Settings     map[string]string   `json:"settings"`
	Subscribers  []WrapperSubscriber `json:"subscribers"`
}

// WrapperResult is the wrappers' stdout payload.
type WrapperResult struct {
	Success              bool     `json:"success"`
	SubscribersProcessed int      `json:"subscribers_processed"`
	TradesAttempted      int      `json:"trades_attempted"`
	Logs                 []string `json:"logs"`
	Error                string   `json:"error"`
}

// InvokerConfig names the interpreter and the three runner scripts. Zero
// timeouts fall back to the package defaults.
type InvokerConfig struct {
	Python            string
	LegacyRunner      string
	MultiTenantRunner string
	LiveTraderRunner  string
	LegacyTimeout     time.Duration
	WrapperTimeout    time.Duration
}

// Invoker spawns strategy runner subprocesses, JSON on stdin and stdout.
type Invoker struct {
	cfg    InvokerConfig
	loader *Loader
	logger *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg InvokerConfig, loader *Loader, logger *slog.Logger) *Invoker {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.LegacyTimeout <= 0 {
		cfg.LegacyTimeout = LegacyTimeout
	}
	if cfg.WrapperTimeout <= 0 {
		cfg.WrapperTimeout = WrapperTimeout
	}
	return &Invoker{
		cfg:    cfg,
		loader: loader,
		logger: logger.With(slog.String("component", "invoker")),
	}
}

// RunLegacy executes the legacy runner for one strategy and returns its
// signal. A nil signal with no error means the strategy produced none.
func (inv *Invoker) RunLegacy(ctx context.Context, req LegacyRequest) (*domain.Signal, error) {
	codePath, err := inv.loader.Find(req.StrategyID)
	if err != nil {
		return nil, err
	}

	var res legacyResult
	if err := inv.run(ctx, inv.cfg.LegacyTimeout, []string{inv.cfg.LegacyRunner, codePath}, req, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("runtime: legacy runner for %s: %s: %w", req.StrategyID, res.Error, domain.ErrRuntimeSubprocessFailed)
	}
	if res.Signal == nil {
		return nil, nil
	}
	return &domain.Signal{
		Type:       domain.SignalType(res.Signal.Signal),
		Price:      res.Signal.Price,
		StopLoss:   res.Signal.StopLoss,
		TakeProfit: res.Signal.TakeProfit,
		Metadata:   res.Signal.Metadata,
	}, nil
}

// RunMultiTenant executes the multi-tenant wrapper with the full subscriber
// list.
func (inv *Invoker) RunMultiTenant(ctx context.Context, req WrapperRequest) (WrapperResult, error) {
	return inv.runWrapper(ctx, inv.cfg.MultiTenantRunner, req)
}

// RunLiveTrader executes the livetrader wrapper with the pre-filtered
// subscriber list.
func (inv *Invoker) RunLiveTrader(ctx context.Context, req WrapperRequest) (WrapperResult, error) {
	return inv.runWrapper(ctx, inv.cfg.LiveTraderRunner, req)
}

func (inv *Invoker) runWrapper(ctx context.Context, runner string, req WrapperRequest) (WrapperResult, error) {
	if req.StrategyCode == "" {
		_, source, err := inv.loader.Read(req.StrategyID)
		if err != nil {
			return WrapperResult{}, err
		}
		req.StrategyCode = string(source)
	}

	var res WrapperResult
	if err := inv.run(ctx, inv.cfg.WrapperTimeout, []string{runner}, req, &res); err != nil {
		return WrapperResult{}, err
	}
	if !res.Success {
		return res, fmt.Errorf("runtime: wrapper for %s: %s: %w", req.StrategyID, res.Error, domain.ErrRuntimeSubprocessFailed)
	}
	return res, nil
}

// run spawns one child with the payload on stdin and decodes its stdout.
// The child is killed when the deadline expires.
func (inv *Invoker) run(ctx context.Context, timeout time.Duration, args []string, input, output any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("runtime: marshal runner input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.cfg.Python, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		inv.logger.Warn("runner killed on timeout",
			slog.String("runner", args[0]),
			slog.Duration("elapsed", elapsed))
		return fmt.Errorf("runtime: runner %s after %s: %w", args[0], elapsed.Round(time.Second), domain.ErrRuntimeTimeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return fmt.Errorf("runtime: runner %s exit %d: %s: %w",
				args[0], exitErr.ExitCode(), tail(stderr.Bytes(), 512), domain.ErrRuntimeSubprocessFailed)
		}
		return fmt.Errorf("runtime: spawn %s: %v: %w", args[0], runErr, domain.ErrRuntimeSubprocessFailed)
	}

	if err := DecodeOutput(stdout.Bytes(), output); err != nil {
		return err
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(bytes.TrimSpace(b))
	}
	return string(bytes.TrimSpace(b[len(b)-n:]))
}
