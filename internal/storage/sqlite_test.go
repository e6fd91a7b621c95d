package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/memory"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot() memory.Snapshot {
	return memory.Snapshot{
		Active: []memory.Entry{
			{Role: memory.RoleUser, Content: "hi"},
			{Role: memory.RoleAssistant, Content: "hello!"},
			{Role: memory.RoleUser, Content: "how are you?"},
		},
		Compressed: []memory.Entry{
			{Role: memory.RoleSystem, Content: memory.SummaryPrefix + "we met"},
		},
	}
}

func TestSQLite_LoadMissing(t *testing.T) {
	s := newTestSQLite(t)

	snap, found, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, snap.Empty())
}

func TestSQLite_SaveLoad(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", sampleSnapshot()))

	snap, found, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sampleSnapshot(), snap)
	assert.Equal(t, BackendSQLite, s.Name())
}

func TestSQLite_SaveReplaces(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", sampleSnapshot()))
	next := memory.Snapshot{Active: []memory.Entry{{Role: memory.RoleUser, Content: "only"}}}
	require.NoError(t, s.Save(ctx, "u1", next))

	snap, found, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, next.Active, snap.Active)
	assert.Empty(t, snap.Compressed)
}

func TestSQLite_KeepsOrderPastTenEntries(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	var snap memory.Snapshot
	for i := 0; i < 25; i++ {
		snap.Active = append(snap.Active, memory.Entry{Role: memory.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	require.NoError(t, s.Save(ctx, "u1", snap))

	got, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, snap.Active, got.Active)
}

func TestSQLite_UsersIsolated(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", sampleSnapshot()))
	require.NoError(t, s.Save(ctx, "u2", memory.Snapshot{Active: []memory.Entry{{Role: memory.RoleUser, Content: "other"}}}))
	require.NoError(t, s.Delete(ctx, "u2"))

	_, found, err := s.Load(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, found)

	snap, found, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, snap.Active, 3)
}

func TestSQLite_StoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	first, err := NewSQLite(path)
	require.NoError(t, err)
	store := memory.NewStore(memory.DefaultLimits(), nil)
	store.SetPersister(first)
	store.Append(ctx, "u1", memory.Entry{Role: memory.RoleUser, Content: "remember me"})
	store.Append(ctx, "u1", memory.Entry{Role: memory.RoleAssistant, Content: "always"})
	require.NoError(t, first.Close())

	second, err := NewSQLite(path)
	require.NoError(t, err)
	defer second.Close()
	restarted := memory.NewStore(memory.DefaultLimits(), nil)
	restarted.SetPersister(second)

	got := restarted.BuildContext(ctx, "u1", "sys")
	require.Len(t, got, 3)
	assert.Equal(t, "remember me", got[1].Content)
	assert.Equal(t, "always", got[2].Content)

	cleared := restarted.Clear(ctx, "u1")
	assert.True(t, cleared.ClearedActive)
	_, found, err := second.Load(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, config.StorageConfig{Backend: BackendMemory})
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = Open(ctx, config.StorageConfig{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, b.Name())
	assert.NoError(t, b.Close())

	_, err = Open(ctx, config.StorageConfig{Backend: BackendPostgres})
	assert.ErrorIs(t, err, ErrMissingDSN)

	_, err = Open(ctx, config.StorageConfig{Backend: BackendRedis})
	assert.ErrorIs(t, err, ErrMissingDSN)

	_, err = Open(ctx, config.StorageConfig{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
