package storage

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stellarlinkco/yuno/internal/memory"
)

// Redis keeps each buffer as a list of JSON entries under
// <prefix>:memory:<user>:{active,compressed}.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, goerr.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "ping redis", goerr.V("addr", opts.Addr))
	}
	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient wraps an existing client (for testing)
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "yuno"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(userID, buffer string) string {
	return r.prefix + ":memory:" + userID + ":" + buffer
}

func (r *Redis) Name() string { return BackendRedis }

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Load(ctx context.Context, userID string) (memory.Snapshot, bool, error) {
	var activeCmd, compressedCmd *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		activeCmd = pipe.LRange(ctx, r.key(userID, bufferActive), 0, -1)
		compressedCmd = pipe.LRange(ctx, r.key(userID, bufferCompressed), 0, -1)
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "load redis memory", goerr.V("user_id", userID))
	}

	active, err := decodeList(activeCmd.Val())
	if err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "decode active entries", goerr.V("user_id", userID))
	}
	compressed, err := decodeList(compressedCmd.Val())
	if err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "decode compressed entries", goerr.V("user_id", userID))
	}

	snap := memory.Snapshot{Active: active, Compressed: compressed}
	return snap, !snap.Empty(), nil
}

// Save rewrites both lists inside MULTI/EXEC.
func (r *Redis) Save(ctx context.Context, userID string, snap memory.Snapshot) error {
	active, err := encodeList(snap.Active)
	if err != nil {
		return goerr.Wrap(err, "encode active entries", goerr.V("user_id", userID))
	}
	compressed, err := encodeList(snap.Compressed)
	if err != nil {
		return goerr.Wrap(err, "encode compressed entries", goerr.V("user_id", userID))
	}

	activeKey, compressedKey := r.key(userID, bufferActive), r.key(userID, bufferCompressed)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, activeKey, compressedKey)
		if len(active) > 0 {
			pipe.RPush(ctx, activeKey, active...)
		}
		if len(compressed) > 0 {
			pipe.RPush(ctx, compressedKey, compressed...)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "save redis memory", goerr.V("user_id", userID))
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID, bufferActive), r.key(userID, bufferCompressed)).Err(); err != nil {
		return goerr.Wrap(err, "delete redis memory", goerr.V("user_id", userID))
	}
	return nil
}

func encodeList(entries []memory.Entry) ([]any, error) {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, string(data))
	}
	return out, nil
}

func decodeList(items []string) ([]memory.Entry, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]memory.Entry, 0, len(items))
	for _, item := range items {
		var e memory.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
