package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value
var ErrNotFound = errors.New("storage: key not found")

// Backend is a string key-value store
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Event describes a change to a key. An empty Key means any key may have
// changed and watchers should re-read what they care about.
type Event struct {
	Key     string
	Deleted bool
}

// Watcher is implemented by backends that report changes. Delivery stops
// when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(Event)) error
}

// Pinger is implemented by backends with a remote dependency
type Pinger interface {
	Ping(ctx context.Context) error
}
