package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	defaultReauthCooldown = 24 * time.Hour
	reauthSendTimeout     = 10 * time.Second
)

// TenantLookup is the part of the tenant registry the notifier needs.
type TenantLookup interface {
	Get(ctx context.Context, tenantID string) (*tenancy.Tenant, error)
}

// ReauthNotifier asks a practice to reconnect its calendar when the stored
// credential stops working. It implements credentials.InvalidationNotifier.
type ReauthNotifier struct {
	email      EmailSender
	tenants    TenantLookup
	connectURL string
	cooldown   time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewReauthNotifier creates the notifier. connectURL is the public base of the
// API; the tenant's connect path is appended to it.
func NewReauthNotifier(email EmailSender, tenants TenantLookup, connectURL string, logger *logging.Logger) *ReauthNotifier {
	if email == nil || tenants == nil {
		panic("notify: email sender and tenant lookup required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReauthNotifier{
		email:      email,
		tenants:    tenants,
		connectURL: strings.TrimRight(connectURL, "/"),
		cooldown:   defaultReauthCooldown,
		logger:     logger,
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
	}
}

// CredentialInvalidated emails the tenant's contact address, at most once per
// cooldown window. Failures are logged; the caller's request path is never blocked
// past the send timeout.
func (n *ReauthNotifier) CredentialInvalidated(ctx context.Context, tenantID string, cause error) {
	if !n.claim(tenantID) {
		n.logger.Debug("reauth notice suppressed", "tenant_id", tenantID)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reauthSendTimeout)
	defer cancel()

	tenant, err := n.tenants.Get(ctx, tenantID)
	if err != nil {
		n.release(tenantID)
		n.logger.Error("reauth notice: tenant lookup failed", "tenant_id", tenantID, "error", err)
		return
	}
	if strings.TrimSpace(tenant.NotifyEmail) == "" {
		n.logger.Warn("credential invalidated but tenant has no notify email", "tenant_id", tenantID, "cause", cause)
		return
	}

	if err := n.email.Send(ctx, n.message(tenant, cause)); err != nil {
		n.release(tenantID)
		n.logger.Error("reauth notice failed", "tenant_id", tenantID, "error", err)
		return
	}
	n.logger.Info("reauth notice sent", "tenant_id", tenantID)
}

func (n *ReauthNotifier) claim(tenantID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[tenantID]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[tenantID] = now
	return true
}

func (n *ReauthNotifier) release(tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastSent, tenantID)
}

func (n *ReauthNotifier) message(tenant *tenancy.Tenant, cause error) EmailMessage {
	link := fmt.Sprintf("%s/admin/tenants/%s/calendar/connect", n.connectURL, tenant.ID)
	name := tenant.Name
	if name == "" {
		name = tenant.ID
	}
	reason := "el acceso fue revocado o expiró"
	if cause != nil {
		reason = cause.Error()
	}

	body := fmt.Sprintf(`Hola equipo de %s,

No pudimos acceder a su calendario para agendar citas desde WhatsApp (%s).
Mientras no se vuelva a conectar, los pacientes no podrán reservar.

Reconecten el calendario aquí:
%s
`, name, reason, link)

	htmlBody := fmt.Sprintf(`<p>Hola equipo de <strong>%s</strong>,</p>
<p>No pudimos acceder a su calendario para agendar citas desde WhatsApp.
Mientras no se vuelva a conectar, los pacientes no podrán reservar.</p>
<p><a href="%s">Reconectar calendario</a></p>`, html.EscapeString(name), html.EscapeString(link))

	return EmailMessage{
		To:       tenant.NotifyEmail,
		ToName:   name,
		Subject:  "Acción requerida: reconecta tu calendario",
		Text:     body,
		HTML:     htmlBody,
		Category: CategoryCalendarReauth,
		TenantID: tenant.ID,
	}
}
