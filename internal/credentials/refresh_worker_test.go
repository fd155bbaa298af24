package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshWorkerRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &Credential{TenantID: "soon", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: now.Add(2 * time.Minute)}))
	require.NoError(t, store.Save(ctx, &Credential{TenantID: "later", AccessToken: "a2", RefreshToken: "r2", ExpiresAt: now.Add(48 * time.Hour)}))
	require.NoError(t, store.Save(ctx, &Credential{TenantID: "dead", AccessToken: "a3", RefreshToken: "r3", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.MarkInvalid(ctx, "dead", "revoked"))

	refresher := &stubRefresher{resp: &TokenResponse{AccessToken: "fresh", ExpiresIn: 86400}}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))
	w := NewRefreshWorker(m, store, 10*time.Minute, nil)

	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))

	soon, _ := store.Get(ctx, "soon")
	assert.Equal(t, "fresh", soon.AccessToken)
	later, _ := store.Get(ctx, "later")
	assert.Equal(t, "a2", later.AccessToken)
}

func TestRefreshWorkerContinuesAfterFailure(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &Credential{TenantID: "a", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.Save(ctx, &Credential{TenantID: "b", AccessToken: "b1", RefreshToken: "r2", ExpiresAt: now.Add(2 * time.Minute)}))

	refresher := &stubRefresher{err: errors.New("provider down")}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))
	w := NewRefreshWorker(m, store, time.Minute, nil)

	assert.Equal(t, 0, w.RunOnce(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(&refresher.calls))
}
