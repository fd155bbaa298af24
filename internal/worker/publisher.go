package worker

import (
	"context"
	"fmt"

	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// Publisher enqueues turns for asynchronous processing. It satisfies
// messaging.Publisher for the webhook handler.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("worker: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// Publish enqueues one inbound message as a turn job.
func (p *Publisher) Publish(ctx context.Context, msg messaging.InboundMessage) error {
	return p.enqueue(ctx, payload{Kind: jobKindTurn, Message: &msg}, msg.ChannelNumberID+":"+msg.From)
}

// PublishPayment enqueues a payment confirmation for a conversation awaiting
// prepayment.
func (p *Publisher) PublishPayment(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("worker: conversation id required")
	}
	return p.enqueue(ctx, payload{Kind: jobKindPayment, ConversationID: conversationID}, conversationID)
}

func (p *Publisher) enqueue(ctx context.Context, in payload, groupID string) error {
	out, body, err := encodePayload(in)
	if err != nil {
		return err
	}
	if err := p.queue.Send(ctx, body, groupID); err != nil {
		return fmt.Errorf("worker: failed to enqueue job: %w", err)
	}
	p.logger.Debug("turn job enqueued", "job_id", out.ID, "kind", out.Kind)
	return nil
}
