package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the cache core. Errors are matched with errors.Is:
// timeouts wrap ErrNetwork, so a single check catches both.
var (
	// ErrConfig marks an invalid partition or queue configuration.
	// Fatal at startup, never retried.
	ErrConfig = errors.New("invalid configuration")
	// ErrNetwork marks a failed origin exchange. Transient; handled
	// per-strategy and never surfaced raw to the client.
	ErrNetwork = errors.New("network unavailable")
	// ErrTimeout is raised when a network-first fetch exceeds the
	// partition's network timeout. It matches ErrNetwork.
	ErrTimeout = fmt.Errorf("network timeout: %w", ErrNetwork)
	// ErrStore marks a persistent store failure. The affected request
	// degrades to network-only handling.
	ErrStore = errors.New("cache store failure")
)

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func networkErr(err error) error {
	return fmt.Errorf("%w: %s", ErrNetwork, err)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %s", ErrStore, err)
}
