// Package router assembles the public and admin HTTP surface.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	httpmiddleware "github.com/wolfman30/clinic-booking-engine/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/reminders"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// PaymentPublisher enqueues a payment confirmation for a conversation.
type PaymentPublisher interface {
	PublishPayment(ctx context.Context, conversationID string) error
}

// Config holds router configuration. Nil handlers leave their routes unmounted.
type Config struct {
	Logger          *logging.Logger
	Webhook         *messaging.WebhookHandler
	OAuth           *credentials.OAuthHandler
	Reminders       *reminders.Handler
	Payments        PaymentPublisher
	AdminAuthSecret string
	MetricsHandler  http.Handler
	// Health reports dependency health; nil means always healthy.
	Health func(ctx context.Context) error
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(httpmiddleware.RequestLogger(logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Health))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			public.Route("/webhooks/whatsapp", func(r chi.Router) {
				r.Get("/", cfg.Webhook.HandleVerification)
				r.Post("/", cfg.Webhook.HandleInbound)
			})
		}
		if cfg.OAuth != nil {
			public.Mount("/oauth", cfg.OAuth.Routes())
		}
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		if cfg.OAuth != nil {
			admin.Mount("/tenants", cfg.OAuth.AdminRoutes())
		}
		if cfg.Reminders != nil {
			admin.Mount("/reminders", cfg.Reminders.Routes())
		}
		if cfg.Payments != nil {
			admin.Post("/conversations/{id}/paid", paidHandler(cfg.Payments, logger))
		}
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func paidHandler(payments PaymentPublisher, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation id required"})
			return
		}
		if err := payments.PublishPayment(r.Context(), id); err != nil {
			logger.Error("failed to enqueue payment confirmation", "conversation_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "conversation_id": id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
