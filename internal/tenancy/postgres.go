package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const tenantColumns = `id, channel_number_id, name, calendar_id, location_id, assigned_user_id,
		custom_prompt, status, timezone, business_hours, requires_prepayment, notify_email`

// PostgresRegistry reads tenants from the tenants table.
type PostgresRegistry struct {
	db DB
}

// NewPostgresRegistry creates a registry backed by Postgres.
func NewPostgresRegistry(db DB) *PostgresRegistry {
	if db == nil {
		panic("tenancy: db required")
	}
	return &PostgresRegistry{db: db}
}

// Resolve implements Registry. Inactive tenants are reported as not found.
func (r *PostgresRegistry) Resolve(ctx context.Context, channelNumberID string) (*Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE channel_number_id = $1`, normalizeChannel(channelNumberID))
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("tenancy: resolve %s: %w", channelNumberID, err)
	}
	if !t.Active() {
		return nil, fmt.Errorf("tenancy: resolve %s: %w", channelNumberID, ErrTenantNotFound)
	}
	return t, nil
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("tenancy: get %s: %w", tenantID, err)
	}
	return t, nil
}

// ListActive implements Registry.
func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list active: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenancy: list active: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy: list active: %w", err)
	}
	return out, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var (
		t      Tenant
		status string
		hours  []byte
	)
	err := row.Scan(&t.ID, &t.ChannelNumberID, &t.Name, &t.CalendarID, &t.LocationID, &t.AssignedUserID,
		&t.CustomPrompt, &status, &t.Timezone, &hours, &t.RequiresPrepayment, &t.NotifyEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if len(hours) > 0 && string(hours) != "null" {
		var bh BusinessHours
		if err := json.Unmarshal(hours, &bh); err != nil {
			return nil, fmt.Errorf("decode business hours: %w", err)
		}
		t.BusinessHours = &bh
	}
	return &t, nil
}
