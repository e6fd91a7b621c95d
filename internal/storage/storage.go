// Package storage holds the write-through backends behind the conversation
// memory: SQLite, PostgreSQL and Redis. Each stores one snapshot (recent
// and compressed entries) per user.
package storage

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/memory"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var (
	ErrUnknownBackend = goerr.New("unknown storage backend")
	ErrMissingDSN     = goerr.New("storage connection string is required")
)

// Backend is a memory.Persister owning a connection.
type Backend interface {
	memory.Persister
	Name() string
	Close() error
}

// Open connects the backend cfg selects. It returns nil for the memory
// backend, where records live only in the process.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return nil, nil
	case BackendSQLite:
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, goerr.Wrap(ErrMissingDSN, "open postgres", goerr.V("backend", cfg.Backend))
		}
		p, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, goerr.Wrap(ErrMissingDSN, "open redis", goerr.V("backend", cfg.Backend))
		}
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, goerr.Wrap(ErrUnknownBackend, "open storage", goerr.V("backend", cfg.Backend))
	}
}
