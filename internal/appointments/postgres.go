package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const appointmentColumns = `id, tenant_id, conversation_id, patient_phone, patient_name, service,
		starts_at, timezone, calendar_event_id, contact_id, status, created_at`

// PostgresStore persists appointments in confirmed_appointments.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		panic("appointments: db required")
	}
	return &PostgresStore{db: db, now: time.Now}
}

// Create inserts appt, assigning an id and creation time when missing.
func (s *PostgresStore) Create(ctx context.Context, appt *ConfirmedAppointment) error {
	if appt == nil {
		return errors.New("appointments: appointment required")
	}
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = StatusConfirmed
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = s.now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO confirmed_appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, appt.ID, appt.TenantID, appt.ConversationID, appt.PatientPhone, appt.PatientName, appt.Service,
		appt.StartsAt.UTC(), appt.Timezone, appt.CalendarEventID, appt.ContactID, string(appt.Status), appt.CreatedAt)
	if err != nil {
		return fmt.Errorf("appointments: insert %s: %w", appt.ID, err)
	}
	return nil
}

// Get loads an appointment by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*ConfirmedAppointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM confirmed_appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("appointments: get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("appointments: get %s: %w", id, err)
	}
	return appt, nil
}

// ListForDay returns the tenant's non-cancelled appointments with a phone
// number that start within day's calendar date in loc.
func (s *PostgresStore) ListForDay(ctx context.Context, tenantID string, day time.Time, loc *time.Location) ([]ConfirmedAppointment, error) {
	start, end := DayBounds(day, loc)
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM confirmed_appointments
		WHERE tenant_id = $1
		  AND status <> 'cancelled'
		  AND patient_phone <> ''
		  AND starts_at >= $2 AND starts_at < $3
		ORDER BY starts_at
	`, tenantID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("appointments: list %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []ConfirmedAppointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan: %w", err)
		}
		out = append(out, *appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: list %s: %w", tenantID, err)
	}
	return out, nil
}

// Cancel marks an appointment cancelled.
func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	ct, err := s.db.Exec(ctx, `UPDATE confirmed_appointments SET status = 'cancelled' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("appointments: cancel %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("appointments: cancel %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanAppointment(row pgx.Row) (*ConfirmedAppointment, error) {
	var (
		appt   ConfirmedAppointment
		status string
	)
	if err := row.Scan(
		&appt.ID, &appt.TenantID, &appt.ConversationID, &appt.PatientPhone, &appt.PatientName, &appt.Service,
		&appt.StartsAt, &appt.Timezone, &appt.CalendarEventID, &appt.ContactID, &status, &appt.CreatedAt,
	); err != nil {
		return nil, err
	}
	appt.Status = Status(strings.ToLower(status))
	return &appt, nil
}
