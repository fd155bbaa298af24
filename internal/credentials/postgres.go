package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists credentials in tenant_credentials.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a Postgres-backed credential store.
func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("credentials: db required")
	}
	return &PostgresStore{db: db}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	var (
		c      Credential
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id, access_token, refresh_token, expires_at, status, COALESCE(invalid_reason, ''), updated_at
		FROM tenant_credentials
		WHERE tenant_id = $1`, tenantID).
		Scan(&c.TenantID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &status, &c.InvalidReason, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: get %s: %w", tenantID, err)
	}
	c.Status = Status(status)
	return &c, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, cred *Credential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenant_credentials (tenant_id, access_token, refresh_token, expires_at, status, invalid_reason, updated_at)
		VALUES ($1, $2, $3, $4, 'active', NULL, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			status = 'active',
			invalid_reason = NULL,
			updated_at = NOW()`,
		cred.TenantID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("credentials: save %s: %w", cred.TenantID, err)
	}
	return nil
}

// UpdateAccessToken implements Store.
func (s *PostgresStore) UpdateAccessToken(ctx context.Context, tenantID, accessToken string, expiresAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tenant_credentials
		SET access_token = $2, expires_at = $3, updated_at = NOW()
		WHERE tenant_id = $1`, tenantID, accessToken, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("credentials: update access token %s: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoCredential
	}
	return nil
}

// MarkInvalid implements Store.
func (s *PostgresStore) MarkInvalid(ctx context.Context, tenantID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tenant_credentials
		SET status = 'invalid', invalid_reason = $2, updated_at = NOW()
		WHERE tenant_id = $1`, tenantID, reason)
	if err != nil {
		return fmt.Errorf("credentials: mark invalid %s: %w", tenantID, err)
	}
	return nil
}

// ListExpiring implements Store. Only active credentials are returned.
func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id, access_token, refresh_token, expires_at, status, COALESCE(invalid_reason, ''), updated_at
		FROM tenant_credentials
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("credentials: list expiring: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var (
			c      Credential
			status string
		)
		if err := rows.Scan(&c.TenantID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &status, &c.InvalidReason, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("credentials: scan expiring: %w", err)
		}
		c.Status = Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}
