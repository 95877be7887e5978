package domain

// SignalType is the per-candle decision emitted by strategy code.
type SignalType string

const (
	SignalLong      SignalType = "LONG"
	SignalShort     SignalType = "SHORT"
	SignalHold      SignalType = "HOLD"
	SignalExitLong  SignalType = "EXIT_LONG"
	SignalExitShort SignalType = "EXIT_SHORT"
)

// Actionable reports whether the signal should open a position.
func (t SignalType) Actionable() bool {
	return t == SignalLong || t == SignalShort
}

// Side maps an entry signal to the trade side it opens.
func (t SignalType) Side() TradeSide {
	if t == SignalShort {
		return TradeSideShort
	}
	return TradeSideLong
}

// Closes returns the open-trade side an exit signal unwinds, and whether the
// signal is an exit at all.
func (t SignalType) Closes() (TradeSide, bool) {
	switch t {
	case SignalExitLong:
		return TradeSideLong, true
	case SignalExitShort:
		return TradeSideShort, true
	}
	return "", false
}

// Signal is the structured output of one legacy strategy run.
type Signal struct {
	Type       SignalType
	Price      float64
	StopLoss   *float64
	TakeProfit *float64
	Metadata   map[string]string
}
