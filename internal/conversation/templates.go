package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
)

// Interactive reply ids.
const (
	ButtonConfirmYes = "confirm_yes"
	ButtonConfirmNo  = "confirm_no"

	confirmFooter = "Por favor confirma tu cita"
)

const (
	msgFallbackReask    = "Disculpa, no logré entender bien. ¿Podrías repetirme la fecha y la hora que prefieres?"
	msgUnavailable      = "Lo sentimos, en este momento no podemos agendar citas. Por favor intenta más tarde. 🙏"
	msgCancelled        = "Entendido, cancelamos tu solicitud de cita. Si deseas agendar en otro momento, escríbenos cuando quieras. 👋"
	msgTryConfirmAgain  = "No pudimos confirmar tu cita en este momento. Por favor intenta confirmar de nuevo."
	msgSlotRejected     = "Lo sentimos, ese horario ya no está disponible. ¿Qué otra hora te gustaría?"
	msgPaymentPending   = "Tu cita está reservada y pendiente de pago. En cuanto recibamos tu pago te enviaremos la confirmación."
	msgAwaitingDecision = "Para continuar, responde *Sí* para confirmar o *No* para cancelar."
)

var (
	spanishWeekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
	spanishMonths   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

func confirmOptions() []messaging.Option {
	return []messaging.Option{
		{ID: ButtonConfirmYes, Title: "✅ Sí, confirmar"},
		{ID: ButtonConfirmNo, Title: "❌ No, cancelar"},
	}
}

// formatDate renders 2025-06-03 as "martes 3 de junio".
func formatDate(value string) string {
	d, err := time.Parse(extraction.DateLayout, value)
	if err != nil {
		return value
	}
	return fmt.Sprintf("%s %d de %s", spanishWeekdays[d.Weekday()], d.Day(), spanishMonths[d.Month()-1])
}

func summaryText(c *Candidate) string {
	var b strings.Builder
	b.WriteString("📋 *Datos de la cita:*\n")
	fmt.Fprintf(&b, "👤 Nombre: %s\n", c.Name.Value)
	fmt.Fprintf(&b, "📝 Motivo: %s\n", c.Service.Value)
	fmt.Fprintf(&b, "📅 Fecha: %s a las %s\n", formatDate(c.Date.Value), c.Time.Value)
	b.WriteString("\n¿Deseas confirmar tu cita?")
	return b.String()
}

func confirmationPrompt(c *Candidate) messaging.Content {
	return messaging.Prompt(summaryText(c), confirmFooter, confirmOptions()...)
}

func retryConfirmationPrompt(c *Candidate) messaging.Content {
	return messaging.Prompt(msgTryConfirmAgain+"\n\n"+summaryText(c), confirmFooter, confirmOptions()...)
}

func greeting(tenant *tenancy.Tenant) string {
	name := strings.TrimSpace(tenant.Name)
	if name == "" {
		return "¡Hola! 👋 Con gusto te ayudo a agendar tu cita."
	}
	return fmt.Sprintf("¡Hola! 👋 Con gusto te ayudo a agendar tu cita en %s.", name)
}

func bookedText(c *Candidate, prepayment bool) string {
	first := firstName(c.Name.Value)
	when := fmt.Sprintf("%s a las %s", formatDate(c.Date.Value), c.Time.Value)
	if prepayment {
		return fmt.Sprintf("✅ ¡Gracias, %s! Reservamos tu cita para el %s. Para completarla es necesario realizar el pago; te compartiremos el enlace en breve.", first, when)
	}
	return fmt.Sprintf("✅ ¡Listo, %s! Tu cita quedó confirmada para el %s. Te enviaremos un recordatorio el día de tu cita.", first, when)
}

func firstName(full string) string {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return full
	}
	return parts[0]
}

var askPhrases = map[FieldName]string{
	FieldPatientName: "tu nombre completo",
	FieldService:     "el motivo de tu consulta",
	FieldDate:        "la fecha que prefieres",
	FieldTime:        "la hora que prefieres",
}

var fieldLabels = map[FieldName]string{
	FieldPatientName: "tu nombre",
	FieldService:     "el motivo",
	FieldDate:        "la fecha",
	FieldTime:        "la hora",
}

// reaskText asks for exactly the fields in issues. Validation problems are
// explained first, then missing fields are requested together.
func reaskText(issues []FieldIssue, tenant *tenancy.Tenant, firstTurn bool) string {
	var lines []string
	if firstTurn {
		lines = append(lines, greeting(tenant))
	}

	var missing []string
	for _, issue := range issues {
		switch issue.Reason {
		case IssueMissing:
			missing = append(missing, askPhrases[issue.Field])
		case IssueLowConfidence:
			lines = append(lines, fmt.Sprintf("No estoy seguro de haber entendido %s (\"%s\"). ¿Me lo confirmas?", fieldLabels[issue.Field], displayValue(issue.Field, issue.Value)))
		case IssueConflict:
			if issue.Offered != "" {
				lines = append(lines, fmt.Sprintf("Mencionaste %s \"%s\" y también \"%s\". ¿Cuál prefieres?", fieldLabels[issue.Field], displayValue(issue.Field, issue.Value), displayValue(issue.Field, issue.Offered)))
			} else {
				lines = append(lines, fmt.Sprintf("¿Me confirmas %s? Tengo anotado \"%s\".", fieldLabels[issue.Field], displayValue(issue.Field, issue.Value)))
			}
		case IssuePastDate:
			lines = append(lines, fmt.Sprintf("La fecha %s ya pasó. ¿Qué otra fecha te gustaría?", formatDate(issue.Value)))
		case IssuePastTime:
			lines = append(lines, fmt.Sprintf("Las %s de ese día ya pasaron. ¿Qué otra hora te gustaría?", issue.Value))
		case IssueClosedDay:
			lines = append(lines, fmt.Sprintf("No atendemos el %s. ¿Qué otra fecha te acomoda?", formatDate(issue.Value)))
		case IssueOutsideHours:
			lines = append(lines, fmt.Sprintf("Las %s están fuera de nuestro horario de atención. ¿Qué otra hora te gustaría?", issue.Value))
		case IssueBadFormat:
			lines = append(lines, fmt.Sprintf("No logré entender %s. ¿Me la podrías repetir?", fieldLabels[issue.Field]))
		}
	}
	if len(missing) > 0 {
		lines = append(lines, fmt.Sprintf("Para continuar, ¿me podrías indicar %s?", joinSpanish(missing)))
	}
	return strings.Join(lines, "\n")
}

func displayValue(field FieldName, value string) string {
	if field == FieldDate {
		return formatDate(value)
	}
	return value
}

func joinSpanish(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " y " + items[len(items)-1]
}
