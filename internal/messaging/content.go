// Package messaging carries chat traffic between patients and the booking engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxOptions is the most quick-reply options one prompt may carry.
	MaxOptions = 3
	// MaxOptionTitle is the longest option label channels accept, in runes.
	MaxOptionTitle = 20
)

// ErrInvalidContent is returned for content a channel would reject.
var ErrInvalidContent = errors.New("messaging: invalid content")

// Option is one quick-reply affordance.
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// InteractivePrompt is free text plus a small set of quick replies.
type InteractivePrompt struct {
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Options []Option `json:"options"`
}

// Content is either plain text or an interactive prompt.
type Content struct {
	Text   string             `json:"text,omitempty"`
	Prompt *InteractivePrompt `json:"prompt,omitempty"`
}

// Text builds plain text content.
func Text(body string) Content {
	return Content{Text: body}
}

// Prompt builds interactive content.
func Prompt(body, footer string, options ...Option) Content {
	return Content{Prompt: &InteractivePrompt{Body: body, Footer: footer, Options: options}}
}

// Kind names the content type for logs and metrics.
func (c Content) Kind() string {
	if c.Prompt != nil {
		return "interactive"
	}
	return "text"
}

// IsZero reports whether there is nothing to send.
func (c Content) IsZero() bool {
	return c.Prompt == nil && strings.TrimSpace(c.Text) == ""
}

// Body returns the human-readable text of the content.
func (c Content) Body() string {
	if c.Prompt != nil {
		return c.Prompt.Body
	}
	return c.Text
}

// Validate checks the content against channel limits.
func (c Content) Validate() error {
	if c.Prompt == nil {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidContent)
		}
		return nil
	}
	p := c.Prompt
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: empty prompt body", ErrInvalidContent)
	}
	if len(p.Options) == 0 || len(p.Options) > MaxOptions {
		return fmt.Errorf("%w: prompt needs 1-%d options, got %d", ErrInvalidContent, MaxOptions, len(p.Options))
	}
	seen := make(map[string]struct{}, len(p.Options))
	for _, o := range p.Options {
		if o.ID == "" || strings.TrimSpace(o.Title) == "" {
			return fmt.Errorf("%w: option needs id and title", ErrInvalidContent)
		}
		if utf8.RuneCountInString(o.Title) > MaxOptionTitle {
			return fmt.Errorf("%w: option title %q longer than %d", ErrInvalidContent, o.Title, MaxOptionTitle)
		}
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("%w: duplicate option id %q", ErrInvalidContent, o.ID)
		}
		seen[o.ID] = struct{}{}
	}
	return nil
}

// Messenger delivers content to one recipient on one channel number.
// Delivery is fire-and-forget beyond the provider's accept/reject.
type Messenger interface {
	Send(ctx context.Context, channelNumberID, recipient string, content Content) error
}

// MessengerFunc adapts a function to Messenger.
type MessengerFunc func(ctx context.Context, channelNumberID, recipient string, content Content) error

// Send implements Messenger.
func (f MessengerFunc) Send(ctx context.Context, channelNumberID, recipient string, content Content) error {
	return f(ctx, channelNumberID, recipient, content)
}
