// Package candle holds the pure time math the engine schedules by:
// resolution parsing, UTC candle boundaries, cron expressions, lock TTLs
// and drift checks. Midnight UTC anchors the daily candle; local time never
// enters.
package candle

import (
	"fmt"
	"time"

	"github.com/stratforge/stratd/internal/domain"
)

const (
	// DefaultLockSafety is subtracted from the interval when sizing lock
	// TTLs so a stale lock can never survive into the next candle.
	DefaultLockSafety = 5 * time.Second

	// DefaultMaxDrift is the tolerated gap between a scheduled boundary and
	// the moment the job actually fired.
	DefaultMaxDrift = 2 * time.Second
)

var resolutionMinutes = map[string]int{
	"1":   1,
	"3":   3,
	"5":   5,
	"10":  10,
	"15":  15,
	"30":  30,
	"60":  60,
	"120": 120,
	"240": 240,
	"360": 360,
	"720": 720,
	"D":   1440,
	"1D":  1440,
}

// SupportedResolutions returns the resolution codes the engine accepts.
func SupportedResolutions() []string {
	return []string{"1", "3", "5", "10", "15", "30", "60", "120", "240", "360", "720", "D", "1D"}
}

// ResolutionToMinutes parses a resolution code into its candle duration in
// minutes.
func ResolutionToMinutes(res string) (int, error) {
	m, ok := resolutionMinutes[res]
	if !ok {
		return 0, fmt.Errorf("candle: resolution %q: %w", res, domain.ErrUnsupportedResolution)
	}
	return m, nil
}

// ResolutionToCron maps a resolution to a five-field cron expression firing
// at every candle close. The second return is false when the interval does
// not divide the hour or the day evenly; the expression is then best-effort
// and the caller should warn.
func ResolutionToCron(res string) (string, bool, error) {
	m, err := ResolutionToMinutes(res)
	if err != nil {
		return "", false, err
	}
	switch {
	case m >= 1440:
		return "0 0 * * *", true, nil
	case m%60 == 0:
		h := m / 60
		return fmt.Sprintf("0 */%d * * *", h), 24%h == 0, nil
	default:
		return fmt.Sprintf("*/%d * * * *", m), 60%m == 0, nil
	}
}

// Duration returns the candle length for a resolution.
func Duration(res string) (time.Duration, error) {
	m, err := ResolutionToMinutes(res)
	if err != nil {
		return 0, err
	}
	return time.Duration(m) * time.Minute, nil
}

// RoundToBoundary floors a timestamp to its UTC candle boundary.
func RoundToBoundary(ts time.Time, res string) (time.Time, error) {
	m, err := ResolutionToMinutes(res)
	if err != nil {
		return time.Time{}, err
	}
	t := ts.UTC()
	if m >= 1440 {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return t.Truncate(time.Duration(m) * time.Minute), nil
}

// NextCandleClose returns the strictly next UTC boundary after now: a
// timestamp sitting exactly on a boundary maps to the following one.
func NextCandleClose(now time.Time, res string) (time.Time, error) {
	floor, err := RoundToBoundary(now, res)
	if err != nil {
		return time.Time{}, err
	}
	d, _ := Duration(res)
	return floor.Add(d), nil
}

// IntervalKey renders the floored boundary as an ISO-8601 UTC string with
// millisecond precision. It is the deduplication key for executions and
// locks.
func IntervalKey(ts time.Time, res string) (string, error) {
	floor, err := RoundToBoundary(ts, res)
	if err != nil {
		return "", err
	}
	return floor.Format("2006-01-02T15:04:05.000Z"), nil
}

// LockTTL sizes the execution lock for a resolution: interval minus the
// safety margin, floored at one second.
func LockTTL(res string, safety time.Duration) (time.Duration, error) {
	d, err := Duration(res)
	if err != nil {
		return 0, err
	}
	ttl := d - safety
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl, nil
}

// ValidateTiming compares a scheduled boundary with the actual fire time
// and reports whether the drift is within bounds, along with the absolute
// drift.
func ValidateTiming(scheduled, actual time.Time, maxDrift time.Duration) (bool, time.Duration) {
	drift := actual.Sub(scheduled)
	if drift < 0 {
		drift = -drift
	}
	return drift <= maxDrift, drift
}
