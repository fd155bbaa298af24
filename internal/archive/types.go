package archive

import "time"

const recordVersion = "1.0"

// ConversationRecord is the transcript of a finished conversation as stored in S3.
type ConversationRecord struct {
	Version         string              `json:"version"`
	ConversationID  string              `json:"conversation_id"`
	TenantID        string              `json:"tenant_id"`
	PhoneHash       string              `json:"phone_hash"` // sha256 of phone
	ArchivedAt      time.Time           `json:"archived_at"`
	DurationSeconds int                 `json:"duration_seconds"`
	MessageCount    int                 `json:"message_count"`
	Outcome         string              `json:"outcome"` // final conversation state
	Context         ConversationContext `json:"context"`
	Messages        []Message           `json:"messages"`
}

// ConversationContext captures what was being booked.
type ConversationContext struct {
	Service          string `json:"service,omitempty"`
	Date             string `json:"date,omitempty"`
	Time             string `json:"time,omitempty"`
	AppointmentID    string `json:"appointment_id,omitempty"`
	RescheduleOf     string `json:"reschedule_of,omitempty"`
	BookingCompleted bool   `json:"booking_completed"`
}

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	S3Key          string `json:"s3_key"`
	ArchivedAt     string `json:"archived_at"`
	MessageCount   int    `json:"message_count"`
	Outcome        string `json:"outcome"`
}
