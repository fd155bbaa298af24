// Package calendar books appointments with the tenant's external calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	DefaultAppointmentDuration = time.Hour
	DefaultTimeout             = 10 * time.Second
)

// TokenProvider is the slice of the credential manager the adapter needs.
type TokenProvider interface {
	GetValidToken(ctx context.Context, tenantID string) (credentials.Token, error)
	ForceRefresh(ctx context.Context, tenantID, staleAccessToken string) (credentials.Token, error)
}

// BookingRequest carries a fully confirmed candidate. Date and Time are in
// the tenant's local zone.
type BookingRequest struct {
	ConversationID string
	PatientName    string
	PatientPhone   string
	Service        string
	Date           string
	Time           string
}

// AppointmentRef identifies the booked provider event.
type AppointmentRef struct {
	EventID   string
	ContactID string
	StartsAt  time.Time
	EndsAt    time.Time
}

// Adapter wraps Client with credential handling and error classification.
type Adapter struct {
	client   *Client
	tokens   TokenProvider
	duration time.Duration
	timeout  time.Duration
	metrics  *metrics.CalendarMetrics
	logger   *logging.Logger
}

type AdapterOption func(*Adapter)

func WithAppointmentDuration(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.duration = d
		}
	}
}

func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithMetrics(m *metrics.CalendarMetrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

func NewAdapter(client *Client, tokens TokenProvider, logger *logging.Logger, opts ...AdapterOption) *Adapter {
	if client == nil {
		panic("calendar: client cannot be nil")
	}
	if tokens == nil {
		panic("calendar: token provider cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &Adapter{
		client:   client,
		tokens:   tokens,
		duration: DefaultAppointmentDuration,
		timeout:  DefaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateAppointment upserts the patient contact and books the slot.
// Errors wrap ErrTransient, ErrRejected or credentials.ErrAuthExpired.
func (a *Adapter) CreateAppointment(ctx context.Context, tenant *tenancy.Tenant, req BookingRequest) (AppointmentRef, error) {
	loc := tenant.Location()
	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, loc)
	if err != nil {
		return AppointmentRef{}, &Error{Op: "create_appointment", Err: fmt.Errorf("invalid start %q %q: %w", req.Date, req.Time, err)}
	}
	ref := AppointmentRef{StartsAt: start, EndsAt: start.Add(a.duration)}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err = a.withToken(ctx, tenant.ID, "create_appointment", func(token string) error {
		contactID, err := a.client.UpsertContact(ctx, token, Contact{
			LocationID: tenant.LocationID,
			Name:       req.PatientName,
			Phone:      e164(req.PatientPhone),
			Source:     "WhatsApp",
		})
		if err != nil {
			return err
		}
		ref.ContactID = contactID

		eventID, err := a.client.CreateAppointment(ctx, token, AppointmentRequest{
			CalendarID:     tenant.CalendarID,
			LocationID:     tenant.LocationID,
			ContactID:      contactID,
			StartTime:      ref.StartsAt.Format(time.RFC3339),
			EndTime:        ref.EndsAt.Format(time.RFC3339),
			Title:          appointmentTitle(req),
			AssignedUserID: tenant.AssignedUserID,
		})
		if err != nil {
			return err
		}
		ref.EventID = eventID
		return nil
	})
	if err != nil {
		return AppointmentRef{}, err
	}
	a.logger.Info("appointment booked",
		"tenant_id", tenant.ID,
		"conversation_id", req.ConversationID,
		"event_id", ref.EventID,
		"starts_at", ref.StartsAt.Format(time.RFC3339),
	)
	return ref, nil
}

// CancelAppointment cancels a previously booked provider event.
func (a *Adapter) CancelAppointment(ctx context.Context, tenant *tenancy.Tenant, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.withToken(ctx, tenant.ID, "cancel_appointment", func(token string) error {
		return a.client.CancelAppointment(ctx, token, eventID)
	})
}

// withToken runs call with the tenant's token. An auth rejection forces one
// refresh and exactly one retry.
func (a *Adapter) withToken(ctx context.Context, tenantID, op string, call func(token string) error) error {
	tok, err := a.tokens.GetValidToken(ctx, tenantID)
	if err != nil {
		return a.tokenError(op, err)
	}

	err = call(tok.AccessToken)
	if errors.Is(err, errUnauthorized) {
		a.metrics.ObserveRequest(op, "auth_retry")
		a.logger.Warn("calendar rejected token, forcing refresh", "tenant_id", tenantID, "operation", op)
		tok, err = a.tokens.ForceRefresh(ctx, tenantID, tok.AccessToken)
		if err != nil {
			return a.tokenError(op, err)
		}
		err = call(tok.AccessToken)
		if errors.Is(err, errUnauthorized) {
			a.metrics.ObserveRequest(op, "auth_expired")
			return fmt.Errorf("calendar: %s: token rejected after refresh: %w", op, credentials.ErrAuthExpired)
		}
	}

	switch {
	case err == nil:
		a.metrics.ObserveRequest(op, "ok")
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		a.metrics.ObserveRequest(op, "transient")
		a.logger.Warn("calendar call failed transiently", "tenant_id", tenantID, "operation", op, "error", err)
		if !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %w", ErrTransient, err)
		}
	default:
		a.metrics.ObserveRequest(op, "rejected")
		a.logger.Warn("calendar rejected request", "tenant_id", tenantID, "operation", op, "error", err)
	}
	return err
}

func (a *Adapter) tokenError(op string, err error) error {
	if errors.Is(err, credentials.ErrAuthExpired) {
		a.metrics.ObserveRequest(op, "auth_expired")
		return err
	}
	a.metrics.ObserveRequest(op, "transient")
	return fmt.Errorf("%w: token: %w", ErrTransient, err)
}

func appointmentTitle(req BookingRequest) string {
	service := strings.TrimSpace(req.Service)
	if service == "" {
		return req.PatientName
	}
	return service + " - " + req.PatientName
}

func e164(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "+" + digits.String()
}
