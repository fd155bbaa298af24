// Package worker moves inbound turns from the webhook to the conversation
// engine through a queue, so the webhook can acknowledge immediately.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
)

// Queue is the transport between publishers and workers.
type Queue interface {
	// Send enqueues body. groupID orders messages of one conversation on
	// FIFO transports and is ignored elsewhere.
	Send(ctx context.Context, body, groupID string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	// Attempts counts deliveries including this one; zero when the transport
	// does not report it.
	Attempts int
}

type jobKind string

const (
	jobKindTurn    jobKind = "turn"
	jobKindPayment jobKind = "payment_confirmed"
)

type payload struct {
	ID             string                    `json:"id"`
	Kind           jobKind                   `json:"kind"`
	Message        *messaging.InboundMessage `json:"message,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	EnqueuedAt     time.Time                 `json:"enqueued_at"`
}

func encodePayload(p payload) (payload, string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return payload{}, "", fmt.Errorf("worker: failed to encode payload: %w", err)
	}
	return p, string(body), nil
}

func decodePayload(body string) (payload, error) {
	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return payload{}, fmt.Errorf("worker: failed to decode payload: %w", err)
	}
	switch p.Kind {
	case jobKindTurn:
		if p.Message == nil {
			return payload{}, fmt.Errorf("worker: turn job %s has no message", p.ID)
		}
	case jobKindPayment:
		if p.ConversationID == "" {
			return payload{}, fmt.Errorf("worker: payment job %s has no conversation id", p.ID)
		}
	default:
		return payload{}, fmt.Errorf("worker: unknown job kind %q", p.Kind)
	}
	return p, nil
}
