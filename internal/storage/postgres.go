package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/memory"
)

// DBPool is the part of pgxpool.Pool the store uses, so pgxmock can
// stand in for it.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres keeps one row per user with both buffers as JSONB.
type Postgres struct {
	pool DBPool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "ping postgres")
	}

	p := NewPostgresWithPool(pool)
	if err := p.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithPool wraps an existing pool (for testing)
func NewPostgresWithPool(pool DBPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) InitSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_snapshots (
			user_id TEXT PRIMARY KEY,
			active JSONB NOT NULL,
			compressed JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return goerr.Wrap(err, "create memory_snapshots")
	}
	return nil
}

func (p *Postgres) Name() string { return BackendPostgres }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Load(ctx context.Context, userID string) (memory.Snapshot, bool, error) {
	var active, compressed []byte
	err := p.pool.QueryRow(ctx,
		`SELECT active, compressed FROM memory_snapshots WHERE user_id = $1`, userID,
	).Scan(&active, &compressed)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Snapshot{}, false, nil
	}
	if err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "load snapshot", goerr.V("user_id", userID))
	}

	var snap memory.Snapshot
	if err := json.Unmarshal(active, &snap.Active); err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "decode active entries", goerr.V("user_id", userID))
	}
	if err := json.Unmarshal(compressed, &snap.Compressed); err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "decode compressed entries", goerr.V("user_id", userID))
	}
	return snap, true, nil
}

func (p *Postgres) Save(ctx context.Context, userID string, snap memory.Snapshot) error {
	active, err := encodeEntries(snap.Active)
	if err != nil {
		return goerr.Wrap(err, "encode active entries", goerr.V("user_id", userID))
	}
	compressed, err := encodeEntries(snap.Compressed)
	if err != nil {
		return goerr.Wrap(err, "encode compressed entries", goerr.V("user_id", userID))
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO memory_snapshots (user_id, active, compressed, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			active = EXCLUDED.active,
			compressed = EXCLUDED.compressed,
			updated_at = now()
	`, userID, active, compressed)
	if err != nil {
		return goerr.Wrap(err, "save snapshot", goerr.V("user_id", userID))
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, userID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM memory_snapshots WHERE user_id = $1`, userID); err != nil {
		return goerr.Wrap(err, "delete snapshot", goerr.V("user_id", userID))
	}
	return nil
}

// encodeEntries renders entries as a JSON array, never null.
func encodeEntries(entries []memory.Entry) ([]byte, error) {
	if entries == nil {
		entries = []memory.Entry{}
	}
	return json.Marshal(entries)
}
