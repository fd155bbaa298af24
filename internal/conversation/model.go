package conversation

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no conversation exists for an id.
	ErrNotFound = errors.New("conversation: not found")
	// ErrValidation marks a candidate field that failed a consistency check.
	ErrValidation = errors.New("conversation: validation failed")
	// ErrConversationBusy means another turn held the conversation lock for the whole turn budget.
	ErrConversationBusy = errors.New("conversation: busy")
	// ErrTurnRetryable wraps failures after which the turn left no trace, so
	// redelivering the same message is safe.
	ErrTurnRetryable = errors.New("conversation: turn can be retried")
)

// State is a conversation's position in the booking flow.
type State string

const (
	StateNew                  State = "new"
	StateCollecting           State = "collecting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StatePaymentPending       State = "payment_pending"
	StateCompleted            State = "completed"
	StateCancelled            State = "cancelled"
	StateExpired              State = "expired"
)

// Terminal reports whether no further turns are processed in this state.
// A new inbound message for a terminal conversation starts a fresh one.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateCompleted, StateCancelled, StateExpired:
		return true
	}
	return false
}

// FieldStatus tags how much a collected value can be trusted.
type FieldStatus string

const (
	FieldUnset         FieldStatus = "unset"
	FieldLowConfidence FieldStatus = "low_confidence"
	FieldConfirmed     FieldStatus = "confirmed"
)

// Field is one slot of the appointment candidate.
// Disputed is set when two equally confident values conflicted; the next
// confident answer resolves it.
type Field struct {
	Status     FieldStatus `json:"status"`
	Value      string      `json:"value,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Disputed   bool        `json:"disputed,omitempty"`
}

// Ready reports whether the field can be used for booking.
func (f Field) Ready() bool {
	return f.Status == FieldConfirmed && f.Value != "" && !f.Disputed
}

func (f Field) normalized() Field {
	if f.Status == "" {
		f.Status = FieldUnset
	}
	return f
}

// FieldName identifies a candidate slot.
type FieldName string

const (
	FieldPatientName FieldName = "name"
	FieldService     FieldName = "service"
	FieldDate        FieldName = "date"
	FieldTime        FieldName = "time"
)

// requiredFields is also the order in which missing fields are asked for.
var requiredFields = []FieldName{FieldPatientName, FieldService, FieldDate, FieldTime}

// Candidate is the partially collected appointment.
type Candidate struct {
	Name    Field `json:"name"`
	Service Field `json:"service"`
	Date    Field `json:"date"`
	Time    Field `json:"time"`
}

// Get returns the field for name.
func (c *Candidate) Get(name FieldName) Field {
	switch name {
	case FieldPatientName:
		return c.Name.normalized()
	case FieldService:
		return c.Service.normalized()
	case FieldDate:
		return c.Date.normalized()
	case FieldTime:
		return c.Time.normalized()
	}
	return Field{Status: FieldUnset}
}

// Set replaces the field for name.
func (c *Candidate) Set(name FieldName, f Field) {
	switch name {
	case FieldPatientName:
		c.Name = f
	case FieldService:
		c.Service = f
	case FieldDate:
		c.Date = f
	case FieldTime:
		c.Time = f
	}
}

// Complete reports whether every required field is confirmed and undisputed.
func (c *Candidate) Complete() bool {
	for _, name := range requiredFields {
		if !c.Get(name).Ready() {
			return false
		}
	}
	return true
}

// StartsAt resolves the candidate's date and time in loc.
func (c *Candidate) StartsAt(loc *time.Location) (time.Time, bool) {
	if c.Date.Value == "" || c.Time.Value == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", c.Date.Value+" "+c.Time.Value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Conversation is one patient's booking thread with one tenant.
type Conversation struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	TenantID       string    `json:"tenant_id"`
	PatientID      string    `json:"patient_id"`
	PatientName    string    `json:"patient_name,omitempty"`
	State          State     `json:"state"`
	Candidate      Candidate `json:"candidate"`
	History        []Message `json:"history"`
	AwaitingSince  time.Time `json:"awaiting_since,omitempty"`
	AppointmentID  string    `json:"appointment_id,omitempty"`
	RescheduleOf   string    `json:"reschedule_of,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Version        int64     `json:"version"`
}

// ConversationID derives the store key for a tenant and patient phone.
func ConversationID(tenantID, patientID string) string {
	return tenantID + "_" + digitsOnly(patientID)
}

func digitsOnly(s string) string {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}

// Clone returns a deep copy so stores never share history slices with callers.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.History = append([]Message(nil), c.History...)
	return &out
}

// ExpiredAt reports whether the inactivity TTL has elapsed at now.
func (c *Conversation) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Conversation) appendMessage(role, content string, at time.Time, limit int) {
	if strings.TrimSpace(content) == "" {
		return
	}
	c.History = append(c.History, Message{Role: role, Content: content, At: at})
	if limit > 0 && len(c.History) > limit {
		c.History = append([]Message(nil), c.History[len(c.History)-limit:]...)
	}
}
