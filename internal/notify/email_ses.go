package notify

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds configuration for SES. ConfigurationSet is optional.
type SESConfig struct {
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

// SESSender sends email through Amazon SES v2.
type SESSender struct {
	sender
	client    sesAPI
	configSet string
}

// NewSESSender returns nil without a client.
func NewSESSender(client sesAPI, cfg SESConfig, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	return &SESSender{
		sender:    newSender(cfg.FromEmail, cfg.FromName, logger),
		client:    client,
		configSet: cfg.ConfigurationSet,
	}
}

// SES tag values allow only ASCII letters, digits, underscore and dash.
var sesTagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

func sesTag(name, value string) types.MessageTag {
	return types.MessageTag{Name: aws.String(name), Value: aws.String(sesTagUnsafe.ReplaceAllString(value, "_"))}
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

func (s *SESSender) build(msg EmailMessage) *sesv2.SendEmailInput {
	body := &types.Body{Text: utf8Content(msg.Text)}
	if msg.HTML != "" {
		body.Html = utf8Content(msg.HTML)
	}
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.address.String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8Content(msg.Subject), Body: body},
		},
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}
	if msg.Category != "" {
		in.EmailTags = append(in.EmailTags, sesTag("category", msg.Category))
	}
	if msg.TenantID != "" {
		in.EmailTags = append(in.EmailTags, sesTag("tenant_id", msg.TenantID))
	}
	return in
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: SES client not configured")
	}
	if err := msg.validate(); err != nil {
		return err
	}
	out, err := s.client.SendEmail(ctx, s.build(msg))
	if err != nil {
		return fmt.Errorf("notify: SES send to %s: %w", maskEmail(msg.To), err)
	}
	s.logger.Info("email sent",
		"provider", "ses",
		"category", msg.Category,
		"tenant_id", msg.TenantID,
		"to", maskEmail(msg.To),
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

var _ EmailSender = (*SESSender)(nil)
