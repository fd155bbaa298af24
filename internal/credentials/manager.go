package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinic-booking-engine/internal/lock"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	defaultRefreshMargin  = 5 * time.Minute
	defaultRefreshTimeout = 30 * time.Second
)

// Manager hands out valid access tokens per tenant. Cached tokens are read
// without locking; refreshes for one tenant are collapsed into a single call
// whose result every concurrent caller shares. The shared refresh runs
// detached from any caller's context so one caller giving up never aborts a
// provider call that may already have rotated the refresh token.
type Manager struct {
	store     Store
	refresher Refresher
	lease     lock.Locker
	notifier  InvalidationNotifier
	metrics   *metrics.CredentialMetrics
	logger    *logging.Logger
	margin    time.Duration
	timeout   time.Duration
	now       func() time.Time

	cache   sync.Map // tenantID -> Token
	flights singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshMargin sets how close to expiry a token is refreshed.
func WithRefreshMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithRefreshTimeout bounds one shared refresh, lease wait included.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLease adds a cross-process lease taken around each refresh.
func WithLease(l lock.Locker) ManagerOption {
	return func(m *Manager) {
		m.lease = l
	}
}

// WithNotifier registers a callback for credentials that become invalid.
func WithNotifier(n InvalidationNotifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(cm *metrics.CredentialMetrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = cm
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a credential manager.
func NewManager(store Store, refresher Refresher, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if store == nil {
		panic("credentials: store required")
	}
	if refresher == nil {
		panic("credentials: refresher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		margin:    defaultRefreshMargin,
		timeout:   defaultRefreshTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidToken returns an access token that stays valid for at least the
// refresh margin, refreshing it first when needed.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (Token, error) {
	if v, ok := m.cache.Load(tenantID); ok {
		tok := v.(Token)
		if tok.ExpiresAt.After(m.now().Add(m.margin)) {
			return tok, nil
		}
	}
	return m.join(ctx, tenantID, "")
}

// ForceRefresh refreshes after the provider rejected staleAccessToken. If the
// stored token has already moved on, the newer token is returned as is.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID, staleAccessToken string) (Token, error) {
	if v, ok := m.cache.Load(tenantID); ok && v.(Token).AccessToken == staleAccessToken {
		m.cache.Delete(tenantID)
	}
	return m.join(ctx, tenantID, staleAccessToken)
}

// Forget drops the cached token so the next call re-reads the store.
func (m *Manager) Forget(tenantID string) {
	m.cache.Delete(tenantID)
}

func (m *Manager) join(ctx context.Context, tenantID, stale string) (Token, error) {
	ch := m.flights.DoChan(tenantID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresh(rctx, tenantID, stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, fmt.Errorf("credentials: wait for refresh %s: %w", tenantID, ctx.Err())
	}
}

func (m *Manager) refresh(ctx context.Context, tenantID, stale string) (Token, error) {
	if m.lease != nil {
		release, err := m.lease.Acquire(ctx, "lease:credential:"+tenantID)
		if err != nil {
			return Token{}, fmt.Errorf("credentials: lease %s: %w", tenantID, err)
		}
		defer release()
	}

	cred, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNoCredential) {
		return Token{}, fmt.Errorf("%w: %w", ErrAuthExpired, ErrNoCredential)
	}
	if err != nil {
		return Token{}, err
	}
	if cred.Status == StatusInvalid {
		return Token{}, fmt.Errorf("%w: tenant %s awaiting re-authorization", ErrAuthExpired, tenantID)
	}

	// Another caller or process may have refreshed while we waited.
	now := m.now()
	if stale == "" && cred.ValidAt(now.Add(m.margin)) {
		return m.remember(tenantID, cred.AccessToken, cred.ExpiresAt), nil
	}
	if stale != "" && cred.AccessToken != stale && cred.ValidAt(now) {
		return m.remember(tenantID, cred.AccessToken, cred.ExpiresAt), nil
	}

	resp, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if errors.Is(err, ErrRefreshRejected) {
		m.metrics.ObserveRefresh("rejected")
		m.invalidate(ctx, tenantID, err)
		return Token{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	if err != nil {
		m.metrics.ObserveRefresh("error")
		return Token{}, fmt.Errorf("credentials: refresh %s: %w", tenantID, err)
	}

	expiresAt := m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.RefreshToken != "" && resp.RefreshToken != cred.RefreshToken {
		err = m.store.Save(ctx, &Credential{
			TenantID:     tenantID,
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    expiresAt,
			Status:       StatusActive,
		})
	} else {
		err = m.store.UpdateAccessToken(ctx, tenantID, resp.AccessToken, expiresAt)
	}
	if err != nil {
		// The provider may already have retired the old refresh token, so the
		// new pair is kept in memory even though persisting it failed.
		m.logger.Error("failed to persist refreshed credential", "tenant_id", tenantID, "error", err)
	}

	m.metrics.ObserveRefresh("ok")
	m.logger.Info("refreshed calendar credential", "tenant_id", tenantID, "expires_at", expiresAt)
	return m.remember(tenantID, resp.AccessToken, expiresAt), nil
}

func (m *Manager) remember(tenantID, accessToken string, expiresAt time.Time) Token {
	tok := Token{AccessToken: accessToken, ExpiresAt: expiresAt}
	m.cache.Store(tenantID, tok)
	return tok
}

func (m *Manager) invalidate(ctx context.Context, tenantID string, cause error) {
	m.cache.Delete(tenantID)
	if err := m.store.MarkInvalid(ctx, tenantID, cause.Error()); err != nil {
		m.logger.Error("failed to mark credential invalid", "tenant_id", tenantID, "error", err)
	}
	m.logger.Warn("calendar credential invalidated, tenant needs re-authorization", "tenant_id", tenantID, "error", cause)
	if m.notifier != nil {
		m.notifier.CredentialInvalidated(ctx, tenantID, cause)
	}
}
