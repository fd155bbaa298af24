package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-engine/internal/lock"
)

type stubRefresher struct {
	calls    int32
	delay    time.Duration
	resp     *TokenResponse
	err      error
	lastSeen atomic.Value
}

func (s *stubRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	atomic.AddInt32(&s.calls, 1)
	s.lastSeen.Store(refreshToken)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.resp
	return &cp, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	tenants []string
}

func (n *recordingNotifier) CredentialInvalidated(ctx context.Context, tenantID string, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tenants = append(n.tenants, tenantID)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedStore(t *testing.T, expiresAt time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Credential{
		TenantID:     "t1",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    expiresAt,
	}))
	return store
}

func TestGetValidTokenReturnsStoredTokenWhenFresh(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(time.Hour))
	refresher := &stubRefresher{}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	tok, err := m.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refresher.calls))
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(4*time.Minute))
	refresher := &stubRefresher{resp: &TokenResponse{AccessToken: "new-access", ExpiresIn: 86399}}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	tok, err := m.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, now.Add(86399*time.Second), tok.ExpiresAt)
	assert.Equal(t, "old-refresh", refresher.lastSeen.Load())

	stored, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "old-refresh", stored.RefreshToken, "refresh token kept when not rotated")
}

func TestGetValidTokenSavesRotatedRefreshToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{resp: &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600}}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	_, err := m.GetValidToken(context.Background(), "t1")
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), stored.ExpiresAt)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{
		delay: 50 * time.Millisecond,
		resp:  &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600},
	}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "t1")
			tokens[i], errs[i] = tok.AccessToken, err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", tokens[i])
	}
}

func TestSharedRefreshSurvivesFirstCallerDeadline(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{
		delay: 150 * time.Millisecond,
		resp:  &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600},
	}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, shortErr = m.GetValidToken(short, "t1")
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&refresher.calls) == 1 }, time.Second, time.Millisecond)

	tok, err := m.GetValidToken(context.Background(), "t1")
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))

	stored, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
}

func TestConcurrentCallersAcrossManagersShareOneRefreshWithLease(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{
		delay: 50 * time.Millisecond,
		resp:  &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600},
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lease := lock.NewRedisLocker(client, 5*time.Second)

	// Two managers model two API replicas sharing one store.
	a := NewManager(store, refresher, nil, WithClock(fixedClock(now)), WithLease(lease))
	b := NewManager(store, refresher, nil, WithClock(fixedClock(now)), WithLease(lease))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, m := range []*Manager{a, b} {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				tok, err := m.GetValidToken(ctx, "t1")
				assert.NoError(t, err)
				assert.Equal(t, "new-access", tok.AccessToken)
			}(m)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestRejectedRefreshMarksInvalidAndNotifies(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{err: ErrRefreshRejected}
	notifier := &recordingNotifier{}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)), WithNotifier(notifier))

	_, err := m.GetValidToken(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)

	stored, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, stored.Status)
	assert.Equal(t, []string{"t1"}, notifier.tenants)

	// Invalid credentials fail fast without hitting the provider again.
	_, err = m.GetValidToken(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestTransientRefreshFailureKeepsCredentialActive(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(-time.Minute))
	refresher := &stubRefresher{err: errors.New("connection reset")}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	_, err := m.GetValidToken(context.Background(), "t1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthExpired)

	stored, _ := store.Get(context.Background(), "t1")
	assert.Equal(t, StatusActive, stored.Status)
}

func TestMissingCredentialIsAuthExpired(t *testing.T) {
	m := NewManager(NewMemoryStore(), &stubRefresher{}, nil)
	_, err := m.GetValidToken(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestForceRefreshSkipsWhenTokenAlreadyMovedOn(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := seedStore(t, now.Add(time.Hour))
	refresher := &stubRefresher{resp: &TokenResponse{AccessToken: "forced", ExpiresIn: 3600}}
	m := NewManager(store, refresher, nil, WithClock(fixedClock(now)))

	tok, err := m.ForceRefresh(context.Background(), "t1", "some-older-token")
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refresher.calls))

	tok, err = m.ForceRefresh(context.Background(), "t1", "old-access")
	require.NoError(t, err)
	assert.Equal(t, "forced", tok.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestNewManagerPanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, &stubRefresher{}, nil) })
	assert.Panics(t, func() { NewManager(NewMemoryStore(), nil, nil) })
}
