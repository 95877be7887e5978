package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Validation.
	ErrUnsupportedResolution  = errors.New("unsupported resolution")
	ErrMissingStrategyConfig  = errors.New("strategy execution config missing or incomplete")
	ErrAlreadySubscribed      = errors.New("already subscribed to strategy")
	ErrLeverageExceedsLimit   = errors.New("leverage exceeds instrument limit")
	ErrQuantityTooSmall       = errors.New("order quantity below instrument minimum")
	ErrEmptyIdentifier        = errors.New("empty identifier")

	// Contention. Benign: the losing worker records SKIPPED.
	ErrLockHeld = errors.New("lock already held")

	// External collaborators.
	ErrBrokerCallFailed          = errors.New("broker call failed")
	ErrRuntimeSubprocessFailed   = errors.New("strategy runtime subprocess failed")
	ErrRuntimeTimeout            = errors.New("strategy runtime timed out")
	ErrRuntimeOutputUnparseable  = errors.New("strategy runtime output unparseable")

	// Infrastructure. The coordinator aborts the run and advances no state.
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrStoreUnavailable = errors.New("store unavailable")
)
