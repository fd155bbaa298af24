package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// Reminder button actions. Button ids carry the appointment id after a colon.
const (
	ReminderConfirm    = "reminder_confirm"
	ReminderReschedule = "reminder_reschedule"
	ReminderCancel     = "reminder_cancel"
)

const (
	msgReminderConfirmed    = "¡Perfecto! ✅ Hemos confirmado tu asistencia.\n\nTe esperamos en tu cita. Recuerda llegar 10 minutos antes."
	msgReminderCancelled    = "Listo, cancelamos tu cita. Si deseas agendar otra, escríbenos cuando quieras. 👋"
	msgReminderUnknown      = "No encontramos esa cita. Si necesitas ayuda, escríbenos y con gusto te atendemos."
	msgReminderAlreadyEnded = "Esa cita ya había sido cancelada. Si deseas agendar otra, escríbenos cuando quieras."
	msgRescheduleAsk        = "Claro, reprogramemos tu cita. ¿Qué fecha y hora te gustaría?"
)

// ReminderButtonID builds the interactive reply id for a reminder action.
func ReminderButtonID(action, appointmentID string) string {
	return action + ":" + appointmentID
}

func parseReminderButton(id string) (action, appointmentID string, ok bool) {
	action, appointmentID, found := strings.Cut(id, ":")
	if !found || appointmentID == "" {
		return "", "", false
	}
	switch action {
	case ReminderConfirm, ReminderReschedule, ReminderCancel:
		return action, appointmentID, true
	}
	return "", "", false
}

// reminderReply handles a tap on a reminder button. Reschedule replaces the
// conversation with a fresh one that already knows the patient and service;
// the old appointment is cancelled once the new one is booked.
func (e *Engine) reminderReply(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, action, apptID string, now time.Time, logger *logging.Logger) (*Conversation, Decision, error) {
	unchanged := func(text string) (*Conversation, Decision, error) {
		return conv, Decision{State: conv.State, Candidate: conv.Candidate, Reply: messaging.Text(text)}, nil
	}
	if e.appointments == nil {
		return unchanged(msgReminderUnknown)
	}

	appt, err := e.appointments.Get(ctx, apptID)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			return unchanged(msgReminderUnknown)
		}
		return nil, Decision{}, fmt.Errorf("conversation: load appointment %s: %w", apptID, err)
	}
	if appt.TenantID != tenant.ID || appt.PatientPhone != conv.PatientID {
		logger.Warn("reminder reply for another patient's appointment", "appointment_id", apptID)
		return unchanged(msgReminderUnknown)
	}
	if appt.Status == appointments.StatusCancelled {
		return unchanged(msgReminderAlreadyEnded)
	}

	switch action {
	case ReminderConfirm:
		logger.Info("patient confirmed attendance", "appointment_id", apptID)
		return unchanged(msgReminderConfirmed)
	case ReminderCancel:
		if err := e.cancelAppointment(ctx, tenant, apptID, logger); err != nil {
			return unchanged(msgUnavailable)
		}
		return unchanged(msgReminderCancelled)
	}

	fresh := &Conversation{
		ID:             conv.ID,
		SessionID:      uuid.NewString(),
		TenantID:       tenant.ID,
		PatientID:      conv.PatientID,
		PatientName:    appt.PatientName,
		State:          StateCollecting,
		RescheduleOf:   apptID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	fresh.Candidate.Name = Field{Status: FieldConfirmed, Value: appt.PatientName, Confidence: 1}
	fresh.Candidate.Service = Field{Status: FieldConfirmed, Value: appt.Service, Confidence: 1}
	if conv.State != StateNew && !conv.State.Terminal() {
		e.archive(ctx, conv, logger)
	}
	return fresh, Decision{
		State:     StateCollecting,
		Candidate: fresh.Candidate,
		Reply:     messaging.Text(msgRescheduleAsk),
		Issues:    []FieldIssue{{Field: FieldDate, Reason: IssueMissing}, {Field: FieldTime, Reason: IssueMissing}},
	}, nil
}

// cancelAppointment cancels the provider event and marks the stored record.
func (e *Engine) cancelAppointment(ctx context.Context, tenant *tenancy.Tenant, apptID string, logger *logging.Logger) error {
	if e.appointments == nil {
		return nil
	}
	appt, err := e.appointments.Get(ctx, apptID)
	if err != nil {
		logger.Error("failed to load appointment to cancel", "appointment_id", apptID, "error", err)
		return err
	}
	if appt.Status == appointments.StatusCancelled {
		return nil
	}
	if appt.CalendarEventID != "" {
		if err := e.booker.CancelAppointment(ctx, tenant, appt.CalendarEventID); err != nil {
			logger.Error("failed to cancel calendar event", "appointment_id", apptID, "event_id", appt.CalendarEventID, "error", err)
			return err
		}
	}
	if err := e.appointments.Cancel(ctx, apptID); err != nil {
		logger.Error("failed to mark appointment cancelled", "appointment_id", apptID, "error", err)
		return err
	}
	logger.Info("appointment cancelled", "appointment_id", apptID)
	return nil
}
