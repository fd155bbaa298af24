// Package appointments persists bookings the calendar accepted.
package appointments

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no appointment matches.
var ErrNotFound = errors.New("appointments: not found")

// Status of a stored appointment.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// ConfirmedAppointment is a booking the tenant's calendar accepted.
type ConfirmedAppointment struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ConversationID  string    `json:"conversation_id"`
	PatientPhone    string    `json:"patient_phone"`
	PatientName     string    `json:"patient_name"`
	Service         string    `json:"service"`
	StartsAt        time.Time `json:"starts_at"`
	Timezone        string    `json:"timezone"`
	CalendarEventID string    `json:"calendar_event_id"`
	ContactID       string    `json:"contact_id,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the appointment persistence contract.
type Store interface {
	Create(ctx context.Context, appt *ConfirmedAppointment) error
	Get(ctx context.Context, id string) (*ConfirmedAppointment, error)
	ListForDay(ctx context.Context, tenantID string, day time.Time, loc *time.Location) ([]ConfirmedAppointment, error)
	Cancel(ctx context.Context, id string) error
}

// DayBounds returns the half-open [start, end) interval of day's calendar date in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
