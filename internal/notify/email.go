// Package notify emails practice staff about problems that need a human.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const defaultFromName = "Agenda de Citas"

// CategoryCalendarReauth tags the email asking a practice to reconnect its calendar.
const CategoryCalendarReauth = "calendar_reauth"

// ErrInvalidRecipient is returned for a missing or malformed To address.
var ErrInvalidRecipient = errors.New("notify: invalid recipient")

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a staff notification. Text is required; HTML is optional.
// Category and TenantID are attached as provider tags for delivery analytics.
type EmailMessage struct {
	To       string
	ToName   string
	Subject  string
	Text     string
	HTML     string
	Category string
	TenantID string
}

func (m EmailMessage) validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(m.To)); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidRecipient, m.To, err)
	}
	return nil
}

func (m EmailMessage) htmlOrText() string {
	if m.HTML != "" {
		return m.HTML
	}
	return m.Text
}

// sender is the From identity shared by every provider.
type sender struct {
	address mail.Address
	logger  *logging.Logger
}

func newSender(fromEmail, fromName string, logger *logging.Logger) sender {
	if strings.TrimSpace(fromName) == "" {
		fromName = defaultFromName
	}
	if logger == nil {
		logger = logging.Default()
	}
	return sender{address: mail.Address{Name: fromName, Address: fromEmail}, logger: logger}
}

// maskEmail keeps the domain and the first character of the local part.
func maskEmail(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	sender
	client *sendgrid.Client
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	return &SendGridSender{
		sender: newSender(cfg.FromEmail, cfg.FromName, logger),
		client: sendgrid.NewSendClient(cfg.APIKey),
	}
}

func (s *SendGridSender) build(msg EmailMessage) *sgmail.SGMailV3 {
	from := sgmail.NewEmail(s.address.Name, s.address.Address)
	to := sgmail.NewEmail(msg.ToName, msg.To)
	m := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.htmlOrText())
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}
	if msg.TenantID != "" {
		m.SetCustomArg("tenant_id", msg.TenantID)
	}
	return m
}

// Send delivers msg. Any 4xx or 5xx from SendGrid is an error.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	if err := msg.validate(); err != nil {
		return err
	}

	resp, err := s.client.SendWithContext(ctx, s.build(msg))
	if err != nil {
		return fmt.Errorf("notify: sendgrid send to %s: %w", maskEmail(msg.To), err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected email",
			"status", resp.StatusCode,
			"tenant_id", msg.TenantID,
			"to", maskEmail(msg.To),
			"body", resp.Body,
		)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("email sent", "provider", "sendgrid", "category", msg.Category, "tenant_id", msg.TenantID, "to", maskEmail(msg.To))
	return nil
}

// StubEmailSender logs instead of sending. It backs local runs.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("email not sent, no provider configured",
		"category", msg.Category,
		"tenant_id", msg.TenantID,
		"to", maskEmail(msg.To),
		"subject", msg.Subject,
	)
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubEmailSender)(nil)
)
