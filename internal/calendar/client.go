package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://services.leadconnectorhq.com"
	DefaultAPIVersion = "2021-07-28"
)

// Client is a thin REST client for a LeadConnector-style calendar API.
// Every call takes the bearer token explicitly; token lifecycle lives in
// the credentials package.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = DefaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, version: version, httpClient: &http.Client{Timeout: timeout}}
}

// Contact is the patient record appointments are attached to.
type Contact struct {
	LocationID string `json:"locationId"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Source     string `json:"source,omitempty"`
}

// UpsertContact creates a contact, reusing the existing id when the provider
// reports a duplicate.
func (c *Client) UpsertContact(ctx context.Context, token string, contact Contact) (string, error) {
	var out struct {
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	err := c.do(ctx, "upsert_contact", http.MethodPost, "/contacts/", token, contact, &out)
	if err == nil {
		return out.Contact.ID, nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		var dup struct {
			Message string `json:"message"`
			Meta    struct {
				ContactID string `json:"contactId"`
			} `json:"meta"`
		}
		if json.Unmarshal([]byte(apiErr.Body), &dup) == nil && dup.Meta.ContactID != "" {
			return dup.Meta.ContactID, nil
		}
	}
	return "", err
}

// AppointmentRequest is the provider payload for a new appointment.
type AppointmentRequest struct {
	CalendarID               string `json:"calendarId"`
	LocationID               string `json:"locationId"`
	ContactID                string `json:"contactId"`
	StartTime                string `json:"startTime"`
	EndTime                  string `json:"endTime"`
	Title                    string `json:"title"`
	AppointmentStatus        string `json:"appointmentStatus"`
	AssignedUserID           string `json:"assignedUserId,omitempty"`
	IgnoreFreeSlotValidation bool   `json:"ignoreFreeSlotValidation"`
}

// CreateAppointment books the slot and returns the provider event id.
func (c *Client) CreateAppointment(ctx context.Context, token string, req AppointmentRequest) (string, error) {
	if req.AppointmentStatus == "" {
		req.AppointmentStatus = "confirmed"
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_appointment", http.MethodPost, "/calendars/events/appointments", token, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		// Accepted but unreadable: the event may exist, so this is not a rejection.
		return "", &Error{Op: "create_appointment", Retryable: true, Err: errors.New("response missing event id")}
	}
	return out.ID, nil
}

// CancelAppointment marks a provider event cancelled.
func (c *Client) CancelAppointment(ctx context.Context, token, eventID string) error {
	body := map[string]string{"appointmentStatus": "cancelled"}
	return c.do(ctx, "cancel_appointment", http.MethodPut, "/calendars/events/appointments/"+eventID, token, body, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("calendar: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("calendar: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", c.version)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
