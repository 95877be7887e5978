// Package runtime bridges the engine to on-disk strategy code: locating the
// source file, repairing execution configs from the embedded STRATEGY_CONFIG
// block, and invoking the Python runners over stdin/stdout JSON.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stratforge/stratd/internal/domain"
)

// Loader resolves strategy source files under root/strategies/{id}/.
type Loader struct {
	root string
}

// NewLoader creates a Loader rooted at dir (the directory containing
// strategies/).
func NewLoader(dir string) *Loader {
	return &Loader{root: dir}
}

// Dir returns the directory holding one strategy's files.
func (l *Loader) Dir(strategyID string) string {
	return filepath.Join(l.root, "strategies", strategyID)
}

// Find returns the single .py source file for a strategy. Zero matches is
// domain.ErrNotFound; more than one is an error, the layout demands exactly
// one file per strategy.
func (l *Loader) Find(strategyID string) (string, error) {
	if strategyID == "" {
		return "", fmt.Errorf("runtime: find: %w", domain.ErrEmptyIdentifier)
	}
	matches, err := filepath.Glob(filepath.Join(l.Dir(strategyID), "*.py"))
	if err != nil {
		return "", fmt.Errorf("runtime: find %s: %w", strategyID, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("runtime: strategy code for %s: %w", strategyID, domain.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("runtime: strategy %s has %d source files, want exactly one", strategyID, len(matches))
	}
}

// Read returns the source of a strategy's single code file.
func (l *Loader) Read(strategyID string) (path string, source []byte, err error) {
	path, err = l.Find(strategyID)
	if err != nil {
		return "", nil, err
	}
	source, err = os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("runtime: read %s: %w", path, err)
	}
	return path, source, nil
}
