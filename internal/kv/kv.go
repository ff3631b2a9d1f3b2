// Package kv provides the durable key-value slots the capsule collection is
// persisted into. Two backends exist: Badger (default) and SQLite.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get when the slot has never been written.
var ErrKeyNotFound = errors.New("kv: key not found")

// Drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Store is a minimal durable key-value store. Set replaces the whole value
// atomically.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open opens the store for driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBadger, "":
		return OpenBadger(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", driver)
	}
}
