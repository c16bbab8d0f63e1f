// Package storage provides the durable key-value storage that stands in for a
// browser's local storage.
//
// # Overview
//
// Session records, the provider's token grant and anything else a client
// keeps between page loads is written through a Backend. Values are strings;
// callers encode their own documents.
//
// # Backends
//
//   - Memory: process-local map, used by tests and single-shot CLI runs
//   - File: one JSON document in a directory, written by atomic rename and
//     watched with fsnotify so other processes' writes are observed
//   - Redis: go-redis keys under a prefix with an optional TTL
//   - SQL: a client_storage table on Postgres (lib/pq) or SQLite (go-sqlite3)
//
// Two wrappers compose with any backend:
//
//   - Cached: an expirable LRU read-through cache
//   - Scoped: prefixes keys so many browser clients share one backend
//
// # Usage Example
//
//	backend, err := storage.Open(ctx, storage.Config{Kind: storage.KindFile, Dir: dir})
//	if err != nil {
//		return err
//	}
//	defer backend.Close()
//
//	client := storage.NewScoped(backend, clientID)
//	if err := client.Set(ctx, "auth_method", "sso"); err != nil {
//		return err
//	}
//
// # Change Notifications
//
// Backends that can observe writes made elsewhere implement Watcher. Events
// are delivered on a dedicated goroutine per registration, in order, so a
// handler may call back into the backend.
package storage
