package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

var (
	// ErrExtractionTimeout means the model did not answer within the budget.
	ErrExtractionTimeout = errors.New("extraction: timed out")
	// ErrExtractionMalformed means the model answered with something unparsable.
	ErrExtractionMalformed = errors.New("extraction: malformed model output")
	// ErrProviderFailure covers every other model call failure.
	ErrProviderFailure = errors.New("extraction: provider call failed")
)

const (
	DefaultTimeout   = 8 * time.Second
	defaultMaxTokens = 400

	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Slot is one extracted value with the model's confidence in it.
type Slot struct {
	Value      string  `json:"value,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Present reports whether the model offered a value.
func (s Slot) Present() bool { return s.Value != "" }

// Result is the outcome of one extraction call. Absent values are zero Slots.
type Result struct {
	HasAppointmentInfo bool `json:"has_appointment_info"`
	Name               Slot `json:"name"`
	Service            Slot `json:"service"`
	Date               Slot `json:"date"`
	Time               Slot `json:"time"`
}

// Empty reports whether no field carries a value.
func (r Result) Empty() bool {
	return !r.Name.Present() && !r.Service.Present() && !r.Date.Present() && !r.Time.Present()
}

// Overrides carries the per-tenant inputs to the prompt.
type Overrides struct {
	CustomPrompt string
	Location     *time.Location
}

// Extractor turns a conversation into a candidate appointment by calling an LLM
// exactly once per turn.
type Extractor struct {
	client    LLMClient
	model     string
	timeout   time.Duration
	maxTokens int32
	metrics   *metrics.EngineMetrics
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Extractor)

func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithModel(model string) Option {
	return func(e *Extractor) { e.model = strings.TrimSpace(model) }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExtractor(client LLMClient, logger *logging.Logger, opts ...Option) *Extractor {
	if client == nil {
		panic("extraction: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Extractor{
		client:    client,
		timeout:   DefaultTimeout,
		maxTokens: defaultMaxTokens,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model for appointment details in history plus latest.
// Any error means the turn carries no new information.
func (e *Extractor) Extract(ctx context.Context, history []ChatMessage, latest string, overrides Overrides) (Result, error) {
	loc := overrides.Location
	if loc == nil {
		loc = time.UTC
	}
	now := e.now().In(loc)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Complete(callCtx, Request{
		Model:       e.model,
		System:      []string{buildSystemPrompt(now, overrides.CustomPrompt)},
		Messages:    []ChatMessage{{Role: RoleUser, Content: buildTranscript(history, latest)}},
		MaxTokens:   e.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.metrics.ObserveExtraction("timeout")
			e.logger.Warn("extraction timed out", "timeout", e.timeout.String())
			return Result{}, fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
		}
		e.metrics.ObserveExtraction("error")
		e.logger.Warn("extraction provider failed", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}

	result, err := parseResult(resp.Text)
	if err != nil {
		e.metrics.ObserveExtraction("malformed")
		e.logger.Warn("extraction output malformed", "error", err, "response_len", len(resp.Text))
		return Result{}, err
	}
	e.metrics.ObserveExtraction("ok")
	return result, nil
}

type rawResult struct {
	HasAppointmentInfo bool               `json:"has_appointment_info"`
	Name               *string            `json:"name"`
	Reason             *string            `json:"reason"`
	Date               *string            `json:"date"`
	Time               *string            `json:"time"`
	DateTime           *string            `json:"datetime"`
	Confidence         map[string]float64 `json:"confidence"`
}

func parseResult(text string) (Result, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}
	var parsed rawResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}

	date := normalizeDate(deref(parsed.Date))
	clock := normalizeTime(deref(parsed.Time))
	if dt := deref(parsed.DateTime); dt != "" && (date == "" || clock == "") {
		d, t := splitDateTime(dt)
		if date == "" {
			date = d
		}
		if clock == "" {
			clock = t
		}
	}

	res := Result{
		HasAppointmentInfo: parsed.HasAppointmentInfo,
		Name:               slot(deref(parsed.Name), parsed.Confidence["name"]),
		Service:            slot(deref(parsed.Reason), parsed.Confidence["reason"]),
		Date:               slot(date, parsed.Confidence["date"]),
		Time:               slot(clock, parsed.Confidence["time"]),
	}
	return res, nil
}

func slot(value string, confidence float64) Slot {
	if value == "" {
		return Slot{}
	}
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}
	return Slot{Value: value, Confidence: confidence}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

func normalizeDate(v string) string {
	if v == "" {
		return ""
	}
	d, err := time.Parse(DateLayout, v)
	if err != nil {
		return ""
	}
	return d.Format(DateLayout)
}

func normalizeTime(v string) string {
	if v == "" {
		return ""
	}
	for _, layout := range []string{TimeLayout, "15:04:05", "3:04 PM", "3:04PM", "3PM", "3 PM"} {
		if t, err := time.Parse(layout, strings.ToUpper(v)); err == nil {
			return t.Format(TimeLayout)
		}
	}
	return ""
}

func splitDateTime(v string) (string, string) {
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", time.RFC3339, "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(DateLayout), t.Format(TimeLayout)
		}
	}
	return normalizeDate(v), ""
}
