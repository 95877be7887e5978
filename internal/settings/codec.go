package settings

import (
	"strconv"

	"github.com/stratforge/stratd/internal/domain"
)

// Reserved hash fields. Everything else in a strategy settings hash is an
// extras key passed to the runtime untouched.
const (
	fieldSymbol       = "symbol"
	fieldResolution   = "resolution"
	fieldRiskPerTrade = "risk_per_trade"
	fieldLeverage     = "leverage"
	fieldMaxPositions = "max_positions"
	fieldMaxDailyLoss = "max_daily_loss"
	fieldTradingType  = "trading_type"
	fieldKind         = "kind"
	fieldVersion      = "version"
	fieldIsActive     = "is_active"
)

func encodeStrategySettings(cfg domain.ExecutionConfig, kind domain.StrategyKind, version int64) map[string]string {
	fields := map[string]string{
		fieldSymbol:     cfg.Symbol,
		fieldResolution: cfg.Resolution,
		fieldKind:       string(kind),
		fieldVersion:    strconv.FormatInt(version, 10),
	}
	if cfg.RiskPerTrade != nil {
		fields[fieldRiskPerTrade] = formatFloat(*cfg.RiskPerTrade)
	}
	if cfg.Leverage != nil {
		fields[fieldLeverage] = formatFloat(*cfg.Leverage)
	}
	if cfg.MaxPositions != nil {
		fields[fieldMaxPositions] = strconv.Itoa(*cfg.MaxPositions)
	}
	if cfg.MaxDailyLoss != nil {
		fields[fieldMaxDailyLoss] = formatFloat(*cfg.MaxDailyLoss)
	}
	if cfg.TradingType != "" {
		fields[fieldTradingType] = string(cfg.TradingType)
	}
	for k, v := range cfg.Extras {
		if _, reserved := fields[k]; reserved {
			continue
		}
		fields[k] = v
	}
	return fields
}

func decodeStrategySettings(fields map[string]string) StrategySettings {
	cfg := domain.ExecutionConfig{
		Symbol:      fields[fieldSymbol],
		Resolution:  fields[fieldResolution],
		TradingType: domain.TradingType(fields[fieldTradingType]),
	}
	if v, ok := fields[fieldRiskPerTrade]; ok {
		cfg.RiskPerTrade = parseFloatPtr(v)
	}
	if v, ok := fields[fieldLeverage]; ok {
		cfg.Leverage = parseFloatPtr(v)
	}
	if v, ok := fields[fieldMaxPositions]; ok {
		cfg.MaxPositions = parseIntPtr(v)
	}
	if v, ok := fields[fieldMaxDailyLoss]; ok {
		cfg.MaxDailyLoss = parseFloatPtr(v)
	}
	for k, v := range fields {
		switch k {
		case fieldSymbol, fieldResolution, fieldRiskPerTrade, fieldLeverage,
			fieldMaxPositions, fieldMaxDailyLoss, fieldTradingType,
			fieldKind, fieldVersion:
			continue
		}
		if cfg.Extras == nil {
			cfg.Extras = make(map[string]string)
		}
		cfg.Extras[k] = v
	}
	return StrategySettings{
		Config:  cfg,
		Kind:    domain.StrategyKind(fields[fieldKind]),
		Version: parseInt64(fields[fieldVersion]),
	}
}

func encodeEffectiveSettings(e domain.EffectiveSettings) map[string]string {
	return map[string]string{
		fieldSymbol:       e.Symbol,
		fieldResolution:   e.Resolution,
		fieldRiskPerTrade: formatFloat(e.RiskPerTrade),
		fieldLeverage:     formatFloat(e.Leverage),
		fieldMaxPositions: strconv.Itoa(e.MaxPositions),
		fieldMaxDailyLoss: formatFloat(e.MaxDailyLoss),
		fieldTradingType:  string(e.TradingType),
		fieldIsActive:     strconv.FormatBool(e.IsActive),
	}
}

func decodeEffectiveSettings(fields map[string]string) domain.EffectiveSettings {
	return domain.EffectiveSettings{
		Symbol:       fields[fieldSymbol],
		Resolution:   fields[fieldResolution],
		RiskPerTrade: parseFloat(fields[fieldRiskPerTrade]),
		Leverage:     parseFloat(fields[fieldLeverage]),
		MaxPositions: int(parseInt64(fields[fieldMaxPositions])),
		MaxDailyLoss: parseFloat(fields[fieldMaxDailyLoss]),
		TradingType:  domain.TradingType(fields[fieldTradingType]),
		IsActive:     fields[fieldIsActive] == "true",
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseFloatPtr(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseIntPtr(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
