package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// Publisher hands an inbound message to the turn pipeline.
type Publisher interface {
	Publish(ctx context.Context, msg InboundMessage) error
}

// WebhookHandler handles WhatsApp webhook verification and inbound messages.
type WebhookHandler struct {
	verifyToken string
	publisher   Publisher
	metrics     *metrics.MessagingMetrics
	logger      *logging.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifyToken string, publisher Publisher, m *metrics.MessagingMetrics, logger *logging.Logger) *WebhookHandler {
	if publisher == nil {
		panic("messaging: publisher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{verifyToken: verifyToken, publisher: publisher, metrics: m, logger: logger}
}

// HandleVerification answers the GET subscription challenge from Meta.
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken != "" && q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// HandleInbound accepts POSTed webhook events and publishes each message.
// The channel retries on non-2xx, so a publish failure is reported as 503.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.metrics.ObserveInbound("message", "malformed")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for _, msg := range ParseWebhook(payload) {
		if err := h.publisher.Publish(r.Context(), msg); err != nil {
			h.metrics.ObserveInbound("message", "publish_failed")
			h.logger.Error("failed to publish inbound message",
				"channel_number_id", msg.ChannelNumberID,
				"message_id", msg.MessageID,
				"error", err,
			)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		h.metrics.ObserveInbound("message", "queued")
	}

	h.metrics.ObserveWebhookLatency("message", time.Since(start).Seconds())
	w.WriteHeader(http.StatusOK)
}
