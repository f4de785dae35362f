// Package store provides the durable key-value store the gate controller
// uses to survive process restarts. Implementations must be safe for
// concurrent use; cross-process writers are not coordinated.
package store

import "errors"

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a small durable key-value scoped store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}
