package storage

import (
	"context"
	"fmt"
	"time"
)

// Backend kinds accepted by Open
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

// Config selects and configures a backend
type Config struct {
	Kind string

	// File
	Dir string

	// Redis
	RedisURL    string
	RedisPrefix string
	RedisTTL    time.Duration

	// SQL
	DSN       string
	Namespace string
	Pool      PoolConfig

	// Cache in front of the backend; disabled when CacheSize is zero
	CacheSize int
	CacheTTL  time.Duration
}

// Open creates the backend described by cfg
func Open(ctx context.Context, cfg Config) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Kind {
	case KindMemory, "":
		backend = NewMemory()
	case KindFile:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file storage requires a directory")
		}
		backend, err = NewFile(cfg.Dir)
	case KindRedis:
		var opts []RedisOption
		if cfg.RedisPrefix != "" {
			opts = append(opts, WithPrefix(cfg.RedisPrefix))
		}
		if cfg.RedisTTL > 0 {
			opts = append(opts, WithTTL(cfg.RedisTTL))
		}
		backend, err = DialRedis(ctx, cfg.RedisURL, opts...)
	case KindPostgres:
		backend, err = OpenSQL(ctx, "postgres", cfg.DSN, cfg.Namespace, cfg.Pool)
	case KindSQLite:
		backend, err = OpenSQL(ctx, "sqlite3", cfg.DSN, cfg.Namespace, cfg.Pool)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		backend = NewCached(backend, cfg.CacheSize, cfg.CacheTTL)
	}
	return backend, nil
}
