package threads

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisOptions{Addr: mr.Addr(), TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	id, state, err := store.GetOrCreate(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Empty(t, state.History)

	require.NoError(t, store.AppendMessage(ctx, id, "user", "what changed in Q2"))
	require.NoError(t, store.AppendReportMemory(ctx, id, models.ReportMemory{Query: "what changed in Q2"}))
	require.NoError(t, store.SaveState(ctx, id, ThreadState{RunCount: 1, OpenGaps: []string{"missing filings"}}))

	loaded, err := store.GetState(ctx, id)
	require.NoError(t, err)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "what changed in Q2", loaded.History[0].Content)
	require.Len(t, loaded.ReportMemories, 1)
	assert.Equal(t, 1, loaded.RunCount)
	assert.Equal(t, []string{"missing filings"}, loaded.OpenGaps)
}

func TestRedisStoreSurvivesReconnect(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	id, _, err := store.GetOrCreate(ctx, "persistent")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, id, "assistant", "previous report"))
	require.NoError(t, store.Close())

	again, err := NewRedisStore(RedisOptions{Addr: mr.Addr(), TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	defer again.Close()

	state, err := again.GetState(ctx, "persistent")
	require.NoError(t, err)
	require.Len(t, state.History, 1)
	assert.Equal(t, "previous report", state.History[0].Content)
}

func TestRedisStoreTTLSet(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	id, _, err := store.GetOrCreate(ctx, "expiring")
	require.NoError(t, err)

	ttl := mr.TTL(threadKeyPrefix + id)
	assert.Equal(t, time.Hour, ttl)
}

func TestRedisStoreCorruptBlobResets(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(threadKeyPrefix+"broken", "not-json{"))

	state, err := store.GetState(ctx, "broken")
	require.NoError(t, err)
	assert.Empty(t, state.History, "corrupt state reads as empty instead of failing")

	require.NoError(t, store.AppendMessage(ctx, "broken", "user", "fresh start"))
	state, err = store.GetState(ctx, "broken")
	require.NoError(t, err)
	require.Len(t, state.History, 1)
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1", TTL: time.Hour}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}
