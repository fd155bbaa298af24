package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashPhone(t *testing.T) {
	h1 := HashPhone("5215512345678")
	h2 := HashPhone("5215512345678")
	h3 := HashPhone("5215587654321")

	assert.Equal(t, h1, h2, "same input should produce same hash")
	assert.NotEqual(t, h1, h3, "different input should produce different hash")
	assert.Len(t, h1, 64, "SHA-256 hex should be 64 chars")
}

func TestScrubPII(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "mi correo es juan@example.com", "mi correo es [EMAIL]"},
		{"phone with country code", "mi número es +52 1 55 1234 5678", "mi número es [PHONE]"},
		{"dashed phone", "llámame al 55-1234-5678 gracias", "llámame al [PHONE] gracias"},
		{"date kept", "el 2025-06-03 a las 10:00", "el 2025-06-03 a las 10:00"},
		{"name kept", "Me llamo Juan Pérez", "Me llamo Juan Pérez"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ScrubPII(tt.input))
		})
	}
}

func TestScrubMessages(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "mi correo es test@test.com", Timestamp: time.Now()},
		{Role: "assistant", Content: "¡Gracias!", Timestamp: time.Now()},
	}
	ScrubMessages(msgs)
	assert.Equal(t, "mi correo es [EMAIL]", msgs[0].Content)
	assert.Equal(t, "¡Gracias!", msgs[1].Content)
}
