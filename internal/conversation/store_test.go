package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	store.now = func() time.Time { return testNow }
	ctx := context.Background()

	conv := &Conversation{ID: "t1_5215512345678", TenantID: "t1", State: StateCollecting, Candidate: Candidate{Name: confirmed("Juan")}}
	conv.appendMessage(RoleUser, "hola", testNow, 10)
	require.NoError(t, store.Save(ctx, conv))
	assert.Equal(t, int64(1), conv.Version)
	assert.Equal(t, testNow.Add(time.Hour), conv.ExpiresAt)

	assert.True(t, mr.Exists("conversation:t1_5215512345678"))
	assert.Equal(t, time.Hour, mr.TTL("conversation:t1_5215512345678"))

	got, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCollecting, got.State)
	assert.Equal(t, "Juan", got.Candidate.Name.Value)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hola", got.History[0].Content)
}

func TestRedisStoreMissingAndExpired(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	now := testNow
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	conv := &Conversation{ID: "t1_1", State: StateAwaitingConfirmation, LastActivityAt: testNow}
	require.NoError(t, store.Save(ctx, conv))

	now = testNow.Add(61 * time.Minute)
	got, err := store.Load(ctx, "t1_1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)

	mr.FastForward(2 * time.Hour)
	_, err = store.Load(ctx, "t1_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiryAndSweep(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	now := testNow
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	active := &Conversation{ID: "a", State: StateCollecting, LastActivityAt: testNow}
	done := &Conversation{ID: "b", State: StateConfirmed, LastActivityAt: testNow}
	require.NoError(t, store.Save(ctx, active))
	require.NoError(t, store.Save(ctx, done))

	now = testNow.Add(2 * time.Hour)
	got, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
	got, err = store.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State, "terminal states are not rewritten")

	assert.Equal(t, 2, store.Sweep(now))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	conv := &Conversation{ID: "a", State: StateCollecting}
	conv.appendMessage(RoleUser, "hola", testNow, 10)
	require.NoError(t, store.Save(ctx, conv))

	conv.History[0].Content = "mutated"
	got, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "hola", got.History[0].Content)
}
