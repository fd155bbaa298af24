package messaging

import (
	"strconv"
	"strings"
	"time"
)

// InboundMessage is one patient message normalized from a channel webhook.
type InboundMessage struct {
	ChannelNumberID string    `json:"channel_number_id"`
	From            string    `json:"from"`
	MessageID       string    `json:"message_id"`
	Text            string    `json:"text,omitempty"`
	ButtonID        string    `json:"button_id,omitempty"`
	ButtonTitle     string    `json:"button_title,omitempty"`
	ContactName     string    `json:"contact_name,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// IsButtonReply reports whether the message is an interactive reply.
func (m InboundMessage) IsButtonReply() bool {
	return m.ButtonID != ""
}

// Body returns the visible text of the message.
func (m InboundMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.ButtonTitle
}

// WebhookPayload is the top-level structure of a WhatsApp Cloud API webhook.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is one business account entry.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is one change notification.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue carries messages for one phone number.
type WebhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []WebhookMessage `json:"messages"`
}

// WebhookMessage is a single inbound message.
type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

// ParseWebhook extracts inbound messages. Status callbacks and unsupported
// message types (media, location) are skipped.
func ParseWebhook(payload WebhookPayload) []InboundMessage {
	var out []InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				msg := InboundMessage{
					ChannelNumberID: v.Metadata.PhoneNumberID,
					From:            m.From,
					MessageID:       m.ID,
					ContactName:     names[m.From],
					Timestamp:       parseUnix(m.Timestamp),
				}
				switch {
				case m.Type == "text" && m.Text != nil:
					msg.Text = strings.TrimSpace(m.Text.Body)
				case m.Type == "interactive" && m.Interactive != nil && m.Interactive.ButtonReply != nil:
					msg.ButtonID = m.Interactive.ButtonReply.ID
					msg.ButtonTitle = m.Interactive.ButtonReply.Title
				case m.Type == "button" && m.Button != nil:
					msg.ButtonID = m.Button.Payload
					msg.ButtonTitle = m.Button.Text
				default:
					continue
				}
				if msg.ChannelNumberID == "" || msg.From == "" {
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

func parseUnix(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
