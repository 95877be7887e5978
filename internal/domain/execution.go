package domain

import "time"

// ExecutionStatus is the terminal state of one (strategy, interval) run.
type ExecutionStatus string

const (
	ExecutionStatusSuccess  ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed   ExecutionStatus = "FAILED"
	ExecutionStatusSkipped  ExecutionStatus = "SKIPPED"
	ExecutionStatusNoSignal ExecutionStatus = "NO_SIGNAL"
)

// Execution records one strategy run against one candle interval. Exactly
// one row per (strategy, interval_key) per process group, written once when
// the run finishes.
type Execution struct {
	ID               string
	StrategyID       string
	Symbol           string
	Resolution       string
	IntervalKey      string
	ExecutedAt       time.Time
	Status           ExecutionStatus
	SignalType       SignalType
	SubscribersCount int
	TradesGenerated  int
	DurationSeconds  float64
	WorkerID         string
	Error            string
}

// ExecutionStats aggregates a strategy's execution history for reporting.
type ExecutionStats struct {
	StrategyID    string
	Total         int64
	Succeeded     int64
	Failed        int64
	Skipped       int64
	NoSignal      int64
	TradesTotal   int64
	AvgDurationS  float64
	LastRunAt     *time.Time
	LastStatus    ExecutionStatus
	LastError     string
}
