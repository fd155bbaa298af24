package extraction

import (
	"fmt"
	"strings"
	"time"
)

var spanishWeekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

func buildSystemPrompt(now time.Time, customPrompt string) string {
	date := now.Format("2006-01-02")
	var b strings.Builder
	fmt.Fprintf(&b, `Eres un asistente que extrae información de citas médicas de conversaciones de WhatsApp en español.

FECHA ACTUAL: %s (%s)
HORA ACTUAL: %s
AÑO ACTUAL: %d

Analiza la conversación y extrae, si están disponibles:
- Nombre completo del paciente
- Motivo de la cita o servicio
- Fecha deseada
- Hora deseada

Reglas para fechas y horas:
- Interpreta fechas relativas como "mañana", "el lunes" o "la próxima semana" usando la FECHA ACTUAL.
- Si el usuario no indica el año, usa %d.
- Usa el formato YYYY-MM-DD para date y HH:MM en 24 horas para time.
- Si algo no está claro, devuelve null para ese campo y una confianza baja.
- No inventes datos que el paciente no haya dicho.

Para cada campo indica tu confianza entre 0 y 1.

Responde ÚNICAMENTE con un objeto JSON con este formato:
{
  "has_appointment_info": true,
  "name": "nombre completo o null",
  "reason": "motivo de la cita o null",
  "date": "YYYY-MM-DD o null",
  "time": "HH:MM o null",
  "datetime": "YYYY-MM-DDTHH:MM:00 o null",
  "confidence": {"name": 0.0, "reason": 0.0, "date": 0.0, "time": 0.0}
}`, date, spanishWeekdays[now.Weekday()], now.Format("15:04"), now.Year(), now.Year())

	if custom := strings.TrimSpace(customPrompt); custom != "" {
		b.WriteString("\n\nInstrucciones adicionales del negocio:\n")
		b.WriteString(custom)
	}
	return b.String()
}

func buildTranscript(history []ChatMessage, latest string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversación previa:\n")
		for _, msg := range history {
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				continue
			}
			speaker := "Paciente"
			if msg.Role == RoleAssistant {
				speaker = "Asistente"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Último mensaje del paciente:\n")
	b.WriteString(strings.TrimSpace(latest))
	return b.String()
}
