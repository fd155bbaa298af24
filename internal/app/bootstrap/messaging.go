package bootstrap

import (
	"time"

	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// BuildMessenger returns the WhatsApp Cloud API messenger, or a log-only
// messenger when no access token is configured, wrapped with metrics and a
// per-send timeout. The second value names the provider.
func BuildMessenger(cfg *appconfig.Config, m *metrics.MessagingMetrics, logger *logging.Logger) (messaging.Messenger, string) {
	if logger == nil {
		logger = logging.Default()
	}
	var (
		next     messaging.Messenger
		provider string
		timeout  time.Duration
	)
	if cfg != nil {
		timeout = cfg.MessengerTimeout
	}
	if cfg != nil && cfg.WhatsAppAccessToken != "" {
		client := messaging.NewWhatsAppClient(cfg.WhatsAppAccessToken)
		client.SetGraphAPIBase(cfg.WhatsAppAPIBase)
		next, provider = client, "whatsapp"
	} else {
		logger.Warn("WHATSAPP_ACCESS_TOKEN not set; replies are logged only")
		next, provider = messaging.NewLogMessenger(logger), "log"
	}
	return messaging.NewInstrumentedMessenger(next, timeout, m, logger), provider
}
