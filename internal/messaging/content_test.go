package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		wantErr bool
	}{
		{"plain text", Text("hola"), false},
		{"blank text", Text("   "), true},
		{"prompt", Prompt("¿Confirmas?", "", Option{ID: "confirm_yes", Title: "✅ Sí, confirmar"}, Option{ID: "confirm_no", Title: "❌ No, cancelar"}), false},
		{"prompt without options", Prompt("¿Confirmas?", ""), true},
		{"too many options", Prompt("x", "", Option{ID: "a", Title: "a"}, Option{ID: "b", Title: "b"}, Option{ID: "c", Title: "c"}, Option{ID: "d", Title: "d"}), true},
		{"title too long", Prompt("x", "", Option{ID: "a", Title: "una etiqueta demasiado larga"}), true},
		{"duplicate ids", Prompt("x", "", Option{ID: "a", Title: "a"}, Option{ID: "a", Title: "b"}), true},
		{"missing id", Prompt("x", "", Option{Title: "a"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContentKindAndBody(t *testing.T) {
	assert.Equal(t, "text", Text("a").Kind())
	p := Prompt("cuerpo", "pie", Option{ID: "a", Title: "A"})
	assert.Equal(t, "interactive", p.Kind())
	assert.Equal(t, "cuerpo", p.Body())
	assert.True(t, Content{}.IsZero())
	assert.False(t, p.IsZero())
}
