package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/stratforge/stratd/internal/domain"
)

// ConfigSync repairs incomplete execution configs from the STRATEGY_CONFIG
// block embedded in the on-disk strategy source and persists the result. The
// store it writes through is the intercepting one, so the repair also flows
// into the cache.
type ConfigSync struct {
	loader     *Loader
	strategies domain.StrategyStore
	logger     *slog.Logger
}

// NewConfigSync creates a ConfigSync.
func NewConfigSync(loader *Loader, strategies domain.StrategyStore, logger *slog.Logger) *ConfigSync {
	return &ConfigSync{
		loader:     loader,
		strategies: strategies,
		logger:     logger.With(slog.String("component", "config_sync")),
	}
}

// SyncConfig reads the strategy source, extracts STRATEGY_CONFIG, and
// persists it as the execution config. The synced strategy is returned.
func (c *ConfigSync) SyncConfig(ctx context.Context, strategyID string) (domain.Strategy, error) {
	path, source, err := c.loader.Read(strategyID)
	if err != nil {
		return domain.Strategy{}, err
	}

	cfg, err := ExtractStrategyConfig(source)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("runtime: %s: %w", path, err)
	}
	if !cfg.Complete() {
		return domain.Strategy{}, fmt.Errorf("runtime: %s: config lacks symbol or resolution: %w", path, domain.ErrMissingStrategyConfig)
	}

	strat, err := c.strategies.UpdateExecutionConfig(ctx, strategyID, cfg)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("runtime: persist synced config %s: %w", strategyID, err)
	}

	c.logger.InfoContext(ctx, "execution config synced from source",
		slog.String("strategy_id", strategyID),
		slog.String("symbol", cfg.Symbol),
		slog.String("resolution", cfg.Resolution))
	return strat, nil
}

var configMarker = regexp.MustCompile(`(?m)^\s*STRATEGY_CONFIG\s*=\s*`)

// ExtractStrategyConfig parses the STRATEGY_CONFIG dict out of Python
// strategy source. The dict literal is normalized to JSON (quotes, True/
// False/None, trailing commas, # comments) before decoding; known keys land
// in typed fields and everything else rides in Extras.
func ExtractStrategyConfig(source []byte) (domain.ExecutionConfig, error) {
	loc := configMarker.FindIndex(source)
	if loc == nil {
		return domain.ExecutionConfig{}, fmt.Errorf("no STRATEGY_CONFIG block: %w", domain.ErrMissingStrategyConfig)
	}
	dict, ok := balancedBraces(source[loc[1]:])
	if !ok {
		return domain.ExecutionConfig{}, fmt.Errorf("unterminated STRATEGY_CONFIG dict: %w", domain.ErrMissingStrategyConfig)
	}

	var raw map[string]any
	if err := json.Unmarshal(pythonDictToJSON(dict), &raw); err != nil {
		return domain.ExecutionConfig{}, fmt.Errorf("parse STRATEGY_CONFIG: %v: %w", err, domain.ErrMissingStrategyConfig)
	}
	return configFromMap(raw), nil
}

// balancedBraces returns the first balanced {...} region of b.
func balancedBraces(b []byte) ([]byte, bool) {
	var (
		depth    int
		start    = -1
		inString bool
		quote    byte
		escaped  bool
	)
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[start : i+1], true
			}
		}
	}
	return nil, false
}

// pythonDictToJSON rewrites a Python dict literal into JSON: single quotes
// become double quotes, Python constants become JSON ones, # comments and
// trailing commas are stripped.
func pythonDictToJSON(dict []byte) []byte {
	var (
		out      strings.Builder
		inString bool
		quote    byte
		escaped  bool
	)
	for i := 0; i < len(dict); i++ {
		c := dict[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				out.WriteByte(c)
			case c == '\\':
				escaped = true
				out.WriteByte(c)
			case c == quote:
				inString = false
				out.WriteByte('"')
			case c == '"' && quote == '\'':
				out.WriteString(`\"`)
			default:
				out.WriteByte(c)
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			inString = true
			quote = c
			out.WriteByte('"')
		case c == '#':
			for i < len(dict) && dict[i] != '\n' {
				i++
			}
			if i < len(dict) {
				out.WriteByte('\n')
			}
		case c == 'T' && strings.HasPrefix(string(dict[i:]), "True"):
			out.WriteString("true")
			i += 3
		case c == 'F' && strings.HasPrefix(string(dict[i:]), "False"):
			out.WriteString("false")
			i += 4
		case c == 'N' && strings.HasPrefix(string(dict[i:]), "None"):
			out.WriteString("null")
			i += 3
		default:
			out.WriteByte(c)
		}
	}
	return stripTrailingCommas([]byte(out.String()))
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func stripTrailingCommas(b []byte) []byte {
	return trailingComma.ReplaceAll(b, []byte("$1"))
}

func configFromMap(raw map[string]any) domain.ExecutionConfig {
	var cfg domain.ExecutionConfig
	for key, val := range raw {
		switch key {
		case "symbol":
			cfg.Symbol, _ = val.(string)
		case "resolution":
			cfg.Resolution = asString(val)
		case "risk_per_trade":
			cfg.RiskPerTrade = asFloatPtr(val)
		case "leverage":
			cfg.Leverage = asFloatPtr(val)
		case "max_positions":
			if f := asFloatPtr(val); f != nil {
				n := int(*f)
				cfg.MaxPositions = &n
			}
		case "max_daily_loss":
			cfg.MaxDailyLoss = asFloatPtr(val)
		case "trading_type":
			if s, ok := val.(string); ok {
				cfg.TradingType = domain.TradingType(s)
			}
		default:
			if cfg.Extras == nil {
				cfg.Extras = make(map[string]string)
			}
			cfg.Extras[key] = asString(val)
		}
	}
	return cfg
}

func asString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func asFloatPtr(val any) *float64 {
	switch v := val.(type) {
	case float64:
		return &v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}
