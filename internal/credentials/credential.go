// Package credentials keeps each tenant's calendar OAuth tokens valid.
package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthExpired means the tenant must re-authorize out of band.
	ErrAuthExpired = errors.New("credentials: authorization expired")
	// ErrNoCredential is returned when a tenant has never authorized.
	ErrNoCredential = errors.New("credentials: no credential for tenant")
	// ErrRefreshRejected is returned by a Refresher when the provider refuses the refresh token.
	ErrRefreshRejected = errors.New("credentials: refresh token rejected")
)

// Status is the lifecycle state of a stored credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusInvalid Status = "invalid"
)

// Credential is the OAuth token pair for a tenant's calendar provider.
type Credential struct {
	TenantID      string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	Status        Status
	InvalidReason string
	UpdatedAt     time.Time
}

// ValidAt reports whether the access token is usable until at least t.
func (c *Credential) ValidAt(t time.Time) bool {
	return c != nil && c.Status != StatusInvalid && c.AccessToken != "" && c.ExpiresAt.After(t)
}

// Token is the bearer token handed to provider calls.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Store persists credentials.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Credential, error)
	// Save upserts the full token pair and reactivates the credential.
	Save(ctx context.Context, cred *Credential) error
	// UpdateAccessToken stores a refreshed access token when the provider did not rotate the refresh token.
	UpdateAccessToken(ctx context.Context, tenantID, accessToken string, expiresAt time.Time) error
	MarkInvalid(ctx context.Context, tenantID, reason string) error
	ListExpiring(ctx context.Context, before time.Time) ([]Credential, error)
}

// TokenResponse is the provider's answer to a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	LocationID   string `json:"locationId"`
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// InvalidationNotifier is told when a tenant's credential becomes unusable.
type InvalidationNotifier interface {
	CredentialInvalidated(ctx context.Context, tenantID string, cause error)
}
