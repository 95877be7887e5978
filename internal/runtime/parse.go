package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/stratforge/stratd/internal/domain"
)

// DecodeOutput unmarshals a runner's stdout into v. Strategy code is
// third-party and prints freely, so a strict parse is tried first and a
// polluted stream falls back to the last balanced top-level JSON object.
func DecodeOutput(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	obj, ok := lastBalancedObject(raw)
	if !ok {
		return fmt.Errorf("runtime: no JSON object in %d bytes of output: %w", len(raw), domain.ErrRuntimeOutputUnparseable)
	}
	if err := json.Unmarshal(obj, v); err != nil {
		return fmt.Errorf("runtime: decode output: %v: %w", err, domain.ErrRuntimeOutputUnparseable)
	}
	return nil
}

// lastBalancedObject scans for the last top-level {...} region, tracking
// string literals and escapes so braces inside strings do not confuse the
// balance count.
func lastBalancedObject(raw []byte) ([]byte, bool) {
	var (
		start    = -1
		depth    int
		inString bool
		escaped  bool
		lastObj  []byte
	)
	for i, c := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := raw[start : i+1]
				if json.Valid(candidate) {
					lastObj = candidate
				}
				start = -1
			}
		}
	}
	if lastObj == nil {
		return nil, false
	}
	return lastObj, true
}
