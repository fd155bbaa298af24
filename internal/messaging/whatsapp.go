package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v18.0"
	defaultHTTPTimeout  = 10 * time.Second
)

// SendError is a provider rejection with enough detail to decide on retries.
type SendError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("messaging: whatsapp status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether resending could succeed.
func (e *SendError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// WhatsAppClient sends messages through the WhatsApp Cloud API. The channel
// number id is the sender's phone_number_id.
type WhatsAppClient struct {
	accessToken  string
	graphAPIBase string
	httpClient   *http.Client
}

// NewWhatsAppClient creates a Cloud API client.
func NewWhatsAppClient(accessToken string) *WhatsAppClient {
	return &WhatsAppClient{
		accessToken:  accessToken,
		graphAPIBase: defaultGraphAPIBase,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetGraphAPIBase overrides the Graph API base URL (useful for testing).
func (c *WhatsAppClient) SetGraphAPIBase(base string) {
	if base != "" {
		c.graphAPIBase = strings.TrimRight(base, "/")
	}
}

type waSendRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *waText        `json:"text,omitempty"`
	Interactive      *waInteractive `json:"interactive,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waInteractive struct {
	Type   string    `json:"type"`
	Body   waText    `json:"body"`
	Footer *waText   `json:"footer,omitempty"`
	Action waActions `json:"action"`
}

type waActions struct {
	Buttons []waButton `json:"buttons"`
}

type waButton struct {
	Type  string  `json:"type"`
	Reply waReply `json:"reply"`
}

type waReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildRequest(recipient string, content Content) waSendRequest {
	req := waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
	}
	if content.Prompt == nil {
		req.Type = "text"
		req.Text = &waText{Body: content.Text}
		return req
	}
	p := content.Prompt
	interactive := &waInteractive{Type: "button", Body: waText{Body: p.Body}}
	if p.Footer != "" {
		interactive.Footer = &waText{Body: p.Footer}
	}
	for _, o := range p.Options {
		interactive.Action.Buttons = append(interactive.Action.Buttons, waButton{
			Type:  "reply",
			Reply: waReply{ID: o.ID, Title: o.Title},
		})
	}
	req.Type = "interactive"
	req.Interactive = interactive
	return req
}

// Send implements Messenger.
func (c *WhatsAppClient) Send(ctx context.Context, channelNumberID, recipient string, content Content) error {
	if err := content.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(buildRequest(recipient, content))
	if err != nil {
		return fmt.Errorf("messaging: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.graphAPIBase, channelNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("messaging: send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("messaging: read response: %w", err)
	}

	var sendResp waSendResponse
	_ = json.Unmarshal(respBody, &sendResp)
	if sendResp.Error != nil {
		return &SendError{StatusCode: resp.StatusCode, Code: sendResp.Error.Code, Message: sendResp.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return &SendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	return nil
}
