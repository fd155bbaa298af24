package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// InstrumentedMessenger bounds each send with a timeout and records the outcome.
type InstrumentedMessenger struct {
	next    Messenger
	timeout time.Duration
	metrics *metrics.MessagingMetrics
	logger  *logging.Logger
}

// NewInstrumentedMessenger wraps next.
func NewInstrumentedMessenger(next Messenger, timeout time.Duration, m *metrics.MessagingMetrics, logger *logging.Logger) *InstrumentedMessenger {
	if next == nil {
		panic("messaging: messenger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &InstrumentedMessenger{next: next, timeout: timeout, metrics: m, logger: logger}
}

// Send implements Messenger.
func (i *InstrumentedMessenger) Send(ctx context.Context, channelNumberID, recipient string, content Content) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := i.next.Send(ctx, channelNumberID, recipient, content)
	status := "sent"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	default:
		status = "failed"
	}
	i.metrics.ObserveOutbound(content.Kind(), status)
	logger := i.logger
	if tenantID, ok := tenancy.TenantIDFromContext(ctx); ok {
		logger = logger.With("tenant_id", tenantID)
	}
	if err != nil {
		logger.Warn("outbound send failed",
			"channel_number_id", channelNumberID,
			"to", logging.MaskPhone(recipient),
			"kind", content.Kind(),
			"error", err,
		)
		return err
	}
	logger.Debug("outbound message sent", "channel_number_id", channelNumberID, "to", logging.MaskPhone(recipient), "kind", content.Kind())
	return nil
}

// LogMessenger only logs what would be sent. Used in development.
type LogMessenger struct {
	logger *logging.Logger
}

// NewLogMessenger creates a LogMessenger.
func NewLogMessenger(logger *logging.Logger) *LogMessenger {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogMessenger{logger: logger}
}

// Send implements Messenger.
func (l *LogMessenger) Send(ctx context.Context, channelNumberID, recipient string, content Content) error {
	if err := content.Validate(); err != nil {
		return err
	}
	l.logger.Info("log messenger: would send",
		"channel_number_id", channelNumberID,
		"to", logging.MaskPhone(recipient),
		"kind", content.Kind(),
		"body", content.Body(),
	)
	return nil
}
