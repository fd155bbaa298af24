package reminders

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/conversation"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
)

const reminderFooter = "Llega 10 minutos antes"

func greeting(local time.Time) string {
	switch h := local.Hour(); {
	case h < 12:
		return "¡Buenos días"
	case h < 19:
		return "¡Buenas tardes"
	default:
		return "¡Buenas noches"
	}
}

// Content builds the interactive reminder for appt. now is the send time,
// used for the greeting in the appointment's zone.
func Content(appt appointments.ConfirmedAppointment, loc *time.Location, now time.Time) messaging.Content {
	if loc == nil {
		loc = time.UTC
	}
	name := strings.TrimSpace(appt.PatientName)
	if parts := strings.Fields(name); len(parts) > 0 {
		name = parts[0]
	}
	at := appt.StartsAt.In(loc).Format("15:04")

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s, %s! 👋\n\n", greeting(now.In(loc)), name)
	} else {
		fmt.Fprintf(&b, "%s! 👋\n\n", greeting(now.In(loc)))
	}
	if service := strings.TrimSpace(appt.Service); service != "" {
		fmt.Fprintf(&b, "Recordatorio de tu cita para hoy:\n\n📅 *%s*\n🕐 *%s*\n\n", service, at)
	} else {
		fmt.Fprintf(&b, "Tienes una cita programada para hoy a las *%s*.\n\n", at)
	}
	b.WriteString("Por favor confirma tu asistencia:")

	return messaging.Prompt(b.String(), reminderFooter,
		messaging.Option{ID: conversation.ReminderButtonID(conversation.ReminderConfirm, appt.ID), Title: "✅ Confirmar"},
		messaging.Option{ID: conversation.ReminderButtonID(conversation.ReminderReschedule, appt.ID), Title: "📅 Reprogramar"},
		messaging.Option{ID: conversation.ReminderButtonID(conversation.ReminderCancel, appt.ID), Title: "❌ Cancelar"},
	)
}
