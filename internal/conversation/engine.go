package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/calendar"
	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	"github.com/wolfman30/clinic-booking-engine/internal/events"
	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/lock"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	DefaultTurnTimeout  = 30 * time.Second
	DefaultHistoryLimit = 20
)

// Turn outcomes reported in TurnResult and metrics.
const (
	OutcomeProcessed         = "processed"
	OutcomeDuplicate         = "duplicate"
	OutcomeTenantNotFound    = "tenant_not_found"
	OutcomeTenantUnavailable = "tenant_unavailable"
	OutcomeAuthExpired       = "auth_expired"
	OutcomeTimeout           = "timeout"
	OutcomeError             = "error"
)

// SlotExtractor pulls appointment fields out of the dialogue.
type SlotExtractor interface {
	Extract(ctx context.Context, history []extraction.ChatMessage, latest string, o extraction.Overrides) (extraction.Result, error)
}

// Booker creates and cancels appointments in the tenant's calendar.
type Booker interface {
	CreateAppointment(ctx context.Context, tenant *tenancy.Tenant, req calendar.BookingRequest) (calendar.AppointmentRef, error)
	CancelAppointment(ctx context.Context, tenant *tenancy.Tenant, eventID string) error
}

// AppointmentRecorder is the subset of appointments.Store the engine uses.
type AppointmentRecorder interface {
	Create(ctx context.Context, appt *appointments.ConfirmedAppointment) error
	Get(ctx context.Context, id string) (*appointments.ConfirmedAppointment, error)
	Cancel(ctx context.Context, id string) error
}

// Archiver stores the transcript of a conversation that reached a terminal state.
type Archiver interface {
	Archive(ctx context.Context, conv *Conversation) error
}

// TokenSource reports whether the tenant's calendar credential is usable.
type TokenSource interface {
	GetValidToken(ctx context.Context, tenantID string) (credentials.Token, error)
}

// TurnResult summarizes one handled inbound message.
type TurnResult struct {
	ConversationID string
	TenantID       string
	Outcome        string
	From           State
	State          State
	AppointmentID  string
	Reply          messaging.Content
}

// Engine runs one conversational turn end to end.
type Engine struct {
	registry  tenancy.Registry
	store     Store
	extractor SlotExtractor
	booker    Booker
	messenger messaging.Messenger
	logger    *logging.Logger

	machine      Machine
	locker       lock.Locker
	deduper      events.Deduper
	tokens       TokenSource
	appointments AppointmentRecorder
	archiver     Archiver
	metrics      *metrics.EngineMetrics
	turnTimeout  time.Duration
	historyLimit int
	now          func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithDeduper drops provider redeliveries of the same message id.
func WithDeduper(d events.Deduper) EngineOption {
	return func(e *Engine) { e.deduper = d }
}

// WithTokenSource makes the engine refuse turns while the tenant's calendar
// credential is expired.
func WithTokenSource(t TokenSource) EngineOption {
	return func(e *Engine) { e.tokens = t }
}

func WithAppointmentStore(s AppointmentRecorder) EngineOption {
	return func(e *Engine) { e.appointments = s }
}

func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

func WithMetrics(m *metrics.EngineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithThreshold(th float64) EngineOption {
	return func(e *Engine) { e.machine = NewMachine(th) }
}

func WithTurnTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.turnTimeout = d
		}
	}
}

func WithHistoryLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires the turn pipeline.
func NewEngine(registry tenancy.Registry, store Store, extractor SlotExtractor, booker Booker, messenger messaging.Messenger, logger *logging.Logger, opts ...EngineOption) *Engine {
	if registry == nil {
		panic("conversation: tenant registry required")
	}
	if store == nil {
		panic("conversation: store required")
	}
	if extractor == nil {
		panic("conversation: extractor required")
	}
	if booker == nil {
		panic("conversation: booker required")
	}
	if messenger == nil {
		panic("conversation: messenger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		registry:     registry,
		store:        store,
		extractor:    extractor,
		booker:       booker,
		messenger:    messenger,
		logger:       logger,
		machine:      NewMachine(DefaultConfidenceThreshold),
		locker:       lock.NewLocalLocker(),
		turnTimeout:  DefaultTurnTimeout,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var turnTracer = otel.Tracer("booking.internal.conversation.engine")

func lockKey(conversationID string) string {
	return "lock:conversation:" + conversationID
}

// HandleTurn processes one inbound message. Nothing is persisted unless the
// whole turn succeeds, except after the calendar accepted a booking: from
// then on the turn finishes even if ctx is cancelled.
func (e *Engine) HandleTurn(ctx context.Context, msg messaging.InboundMessage) (res TurnResult, err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()
	ctx, span := turnTracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("channel.number_id", msg.ChannelNumberID),
		attribute.String("message.id", msg.MessageID),
	))
	defer func() {
		if res.Outcome == "" {
			res.Outcome = OutcomeError
		}
		span.SetAttributes(
			attribute.String("turn.outcome", res.Outcome),
			attribute.String("conversation.id", res.ConversationID),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveTurn(res.Outcome, time.Since(start).Seconds())
	}()

	tenant, err := e.registry.Resolve(ctx, msg.ChannelNumberID)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenantNotFound) {
			e.logger.Warn("dropping message for unknown channel", "channel_number_id", msg.ChannelNumberID, "message_id", msg.MessageID)
			return TurnResult{Outcome: OutcomeTenantNotFound}, nil
		}
		e.logger.Error("tenant lookup failed", "channel_number_id", msg.ChannelNumberID, "error", err)
		e.send(ctx, msg.ChannelNumberID, msg.From, messaging.Text(msgUnavailable))
		return TurnResult{Outcome: OutcomeTenantUnavailable}, fmt.Errorf("conversation: resolve tenant: %w", err)
	}

	res = TurnResult{ConversationID: ConversationID(tenant.ID, msg.From), TenantID: tenant.ID}
	ctx = tenancy.WithTenantID(ctx, tenant.ID)
	logger := e.logger.With("tenant_id", tenant.ID, "conversation_id", res.ConversationID, "message_id", msg.MessageID)

	if e.deduper != nil && msg.MessageID != "" {
		fresh, derr := e.deduper.MarkProcessed(ctx, events.ProviderWhatsApp, msg.MessageID)
		switch {
		case derr != nil:
			logger.Warn("dedup check failed, processing anyway", "error", derr)
		case !fresh:
			logger.Info("skipping redelivered message")
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
	}

	committed := false
	defer func() {
		if committed || res.Outcome == OutcomeAuthExpired {
			return
		}
		if e.deduper != nil && msg.MessageID != "" {
			if ferr := e.deduper.Forget(context.WithoutCancel(ctx), events.ProviderWhatsApp, msg.MessageID); ferr != nil {
				logger.Warn("failed to release dedup marker", "error", ferr)
			}
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrTurnRetryable, err)
		}
	}()

	release, err := e.locker.Acquire(ctx, lockKey(res.ConversationID))
	if err != nil {
		res.Outcome = OutcomeTimeout
		return res, fmt.Errorf("%w: %s: %w", ErrConversationBusy, res.ConversationID, err)
	}
	defer release()

	if e.tokens != nil {
		if _, terr := e.tokens.GetValidToken(ctx, tenant.ID); terr != nil {
			if errors.Is(terr, credentials.ErrAuthExpired) {
				logger.Warn("calendar credential expired, refusing turn")
				res.Outcome = OutcomeAuthExpired
				res.Reply = messaging.Text(msgUnavailable)
				e.send(ctx, tenant.ChannelNumberID, msg.From, res.Reply)
				return res, nil
			}
			logger.Warn("credential check failed", "error", terr)
		}
	}

	now := e.now()
	conv, err := e.loadOrStart(ctx, tenant, msg, now, logger)
	if err != nil {
		return res, err
	}
	res.From = conv.State

	var (
		dec    Decision
		booked bool
	)
	if action, apptID, ok := parseReminderButton(msg.ButtonID); ok {
		conv, dec, err = e.reminderReply(ctx, tenant, conv, action, apptID, now, logger)
		if err != nil {
			return res, err
		}
		conv.appendMessage(RoleUser, msg.Body(), now, e.historyLimit)
	} else {
		dec, booked, err = e.transition(ctx, tenant, conv, msg, now, logger)
		if err != nil {
			if errors.Is(err, errBookingAuthExpired) {
				res.Outcome = OutcomeAuthExpired
				res.Reply = dec.Reply
				e.send(ctx, tenant.ChannelNumberID, msg.From, dec.Reply)
				return res, nil
			}
			return res, err
		}
	}

	if ctx.Err() != nil && !booked {
		res.Outcome = OutcomeTimeout
		return res, fmt.Errorf("conversation: turn aborted before save: %w", ctx.Err())
	}
	saveCtx := ctx
	if booked {
		saveCtx = context.WithoutCancel(ctx)
	}

	conv.State = dec.State
	conv.Candidate = dec.Candidate
	conv.LastActivityAt = now
	if conv.PatientName == "" && dec.Candidate.Name.Ready() {
		conv.PatientName = dec.Candidate.Name.Value
	}
	if dec.State == StateAwaitingConfirmation && res.From != StateAwaitingConfirmation {
		conv.AwaitingSince = now
	}
	if body := dec.Reply.Body(); body != "" {
		conv.appendMessage(RoleAssistant, body, now, e.historyLimit)
	}

	if err := e.store.Save(saveCtx, conv); err != nil {
		return res, fmt.Errorf("conversation: save %s: %w", conv.ID, err)
	}
	committed = true

	res.State = conv.State
	res.AppointmentID = conv.AppointmentID
	res.Reply = dec.Reply
	res.Outcome = OutcomeProcessed
	if res.From != res.State {
		e.metrics.ObserveTransition(string(res.From), string(res.State))
	}

	e.send(saveCtx, tenant.ChannelNumberID, msg.From, dec.Reply)
	if conv.State.Terminal() {
		e.archive(saveCtx, conv, logger)
	}
	logger.Info("turn processed",
		"from_state", res.From,
		"state", res.State,
		"patient", logging.MaskPhone(msg.From),
		"issues", len(dec.Issues),
	)
	return res, nil
}

var errBookingAuthExpired = errors.New("conversation: calendar credential expired during booking")

// transition runs extraction, the state machine, and the booking side effect.
func (e *Engine) transition(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, msg messaging.InboundMessage, now time.Time, logger *logging.Logger) (Decision, bool, error) {
	in := Input{Text: msg.Body(), ButtonID: msg.ButtonID}
	history := chatHistory(conv.History)
	conv.appendMessage(RoleUser, msg.Body(), now, e.historyLimit)

	if !IsConfirmationReply(conv.State, in) && conv.State != StatePaymentPending {
		result, err := e.extractor.Extract(ctx, history, msg.Body(), extraction.Overrides{
			CustomPrompt: tenant.CustomPrompt,
			Location:     tenant.Location(),
		})
		if err != nil {
			logger.Warn("extraction failed, treating turn as no new information", "error", err)
			in.ExtractionErr = err
		} else {
			in.Extraction = &result
		}
	}

	dec := e.machine.Next(conv, tenant, in, now)
	if !dec.Book {
		return dec, false, nil
	}

	conv.Candidate = dec.Candidate
	apptID := bookingID(conv, dec.Candidate)
	appt, err := e.recordedBooking(ctx, apptID)
	if err != nil {
		return dec, false, err
	}
	if appt != nil {
		logger.Info("slot already booked for this session, reusing appointment", "appointment_id", appt.ID, "event_id", appt.CalendarEventID)
		conv.AppointmentID = appt.ID
		if conv.RescheduleOf != "" {
			e.cancelAppointment(context.WithoutCancel(ctx), tenant, conv.RescheduleOf, logger)
		}
		return e.machine.Booked(conv, tenant), true, nil
	}

	ref, err := e.booker.CreateAppointment(ctx, tenant, calendar.BookingRequest{
		ConversationID: conv.ID,
		PatientName:    dec.Candidate.Name.Value,
		PatientPhone:   conv.PatientID,
		Service:        dec.Candidate.Service.Value,
		Date:           dec.Candidate.Date.Value,
		Time:           dec.Candidate.Time.Value,
	})
	if err != nil {
		failure := classifyBookingError(err)
		logger.Warn("booking failed", "error", err, "failure", failure)
		dec = e.machine.BookingFailed(conv, failure)
		if failure == BookingAuthExpired {
			return dec, false, errBookingAuthExpired
		}
		return dec, false, nil
	}

	// The calendar holds the appointment now; the rest of the turn must not be abandoned.
	detached := context.WithoutCancel(ctx)
	appt = &appointments.ConfirmedAppointment{
		ID:              apptID,
		TenantID:        tenant.ID,
		ConversationID:  conv.ID,
		PatientPhone:    conv.PatientID,
		PatientName:     dec.Candidate.Name.Value,
		Service:         dec.Candidate.Service.Value,
		StartsAt:        ref.StartsAt,
		Timezone:        tenant.Location().String(),
		CalendarEventID: ref.EventID,
		ContactID:       ref.ContactID,
		Status:          appointments.StatusConfirmed,
	}
	if e.appointments != nil {
		if err := e.appointments.Create(detached, appt); err != nil {
			// Unrecorded bookings cannot be found on retry, so the event is released.
			logger.Error("failed to record confirmed appointment, releasing calendar event", "event_id", ref.EventID, "error", err)
			if cerr := e.booker.CancelAppointment(detached, tenant, ref.EventID); cerr != nil {
				logger.Error("failed to release unrecorded calendar event", "event_id", ref.EventID, "error", cerr)
			}
			return dec, false, fmt.Errorf("conversation: record appointment %s: %w", apptID, err)
		}
	}
	conv.AppointmentID = appt.ID
	if conv.RescheduleOf != "" {
		e.cancelAppointment(detached, tenant, conv.RescheduleOf, logger)
	}
	return e.machine.Booked(conv, tenant), true, nil
}

// bookingID names the appointment a session books for one slot, so a
// confirmation replayed after a failed save finds the earlier booking.
func bookingID(conv *Conversation, cand Candidate) string {
	key := conv.SessionID + "|" + cand.Date.Value + "|" + cand.Time.Value
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// recordedBooking returns the confirmed appointment stored under id, if any.
func (e *Engine) recordedBooking(ctx context.Context, id string) (*appointments.ConfirmedAppointment, error) {
	if e.appointments == nil {
		return nil, nil
	}
	appt, err := e.appointments.Get(ctx, id)
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("conversation: look up booking %s: %w", id, err)
	case appt.Status != appointments.StatusConfirmed:
		return nil, nil
	}
	return appt, nil
}

func classifyBookingError(err error) BookingFailure {
	switch {
	case errors.Is(err, credentials.ErrAuthExpired):
		return BookingAuthExpired
	case errors.Is(err, calendar.ErrRejected):
		return BookingRejected
	default:
		return BookingTransient
	}
}

// loadOrStart returns the live conversation, or a fresh one when none exists
// or the previous one ended.
func (e *Engine) loadOrStart(ctx context.Context, tenant *tenancy.Tenant, msg messaging.InboundMessage, now time.Time, logger *logging.Logger) (*Conversation, error) {
	id := ConversationID(tenant.ID, msg.From)
	conv, err := e.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("conversation: load %s: %w", id, err)
	case conv.State == StateExpired:
		logger.Info("conversation expired, starting a new one", "session_id", conv.SessionID)
		e.archive(ctx, conv, logger)
	case !conv.State.Terminal():
		return conv, nil
	}
	return newConversation(tenant, msg, now), nil
}

func newConversation(tenant *tenancy.Tenant, msg messaging.InboundMessage, now time.Time) *Conversation {
	return &Conversation{
		ID:             ConversationID(tenant.ID, msg.From),
		SessionID:      uuid.NewString(),
		TenantID:       tenant.ID,
		PatientID:      digitsOnly(msg.From),
		PatientName:    strings.TrimSpace(msg.ContactName),
		State:          StateNew,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func chatHistory(msgs []Message) []extraction.ChatMessage {
	out := make([]extraction.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, extraction.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// MarkPaid completes a conversation once the external payment hook reports
// the prepayment.
func (e *Engine) MarkPaid(ctx context.Context, conversationID string) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	release, err := e.locker.Acquire(ctx, lockKey(conversationID))
	if err != nil {
		return TurnResult{ConversationID: conversationID, Outcome: OutcomeTimeout}, fmt.Errorf("%w: %s: %w", ErrConversationBusy, conversationID, err)
	}
	defer release()

	conv, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return TurnResult{ConversationID: conversationID, Outcome: OutcomeError}, fmt.Errorf("conversation: load %s: %w", conversationID, err)
	}
	tenant, err := e.registry.Get(ctx, conv.TenantID)
	if err != nil {
		return TurnResult{ConversationID: conversationID, Outcome: OutcomeError}, fmt.Errorf("conversation: tenant %s: %w", conv.TenantID, err)
	}
	dec, err := e.machine.Paid(conv)
	if err != nil {
		return TurnResult{ConversationID: conversationID, Outcome: OutcomeError, State: conv.State}, err
	}

	from := conv.State
	now := e.now()
	conv.State = dec.State
	conv.LastActivityAt = now
	conv.appendMessage(RoleAssistant, dec.Reply.Body(), now, e.historyLimit)
	if err := e.store.Save(ctx, conv); err != nil {
		return TurnResult{ConversationID: conversationID, Outcome: OutcomeError}, fmt.Errorf("conversation: save %s: %w", conv.ID, err)
	}
	e.metrics.ObserveTransition(string(from), string(conv.State))

	logger := e.logger.With("tenant_id", tenant.ID, "conversation_id", conv.ID)
	e.send(ctx, tenant.ChannelNumberID, conv.PatientID, dec.Reply)
	e.archive(ctx, conv, logger)
	logger.Info("prepayment received", "appointment_id", conv.AppointmentID)
	return TurnResult{
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		Outcome:        OutcomeProcessed,
		From:           from,
		State:          conv.State,
		AppointmentID:  conv.AppointmentID,
		Reply:          dec.Reply,
	}, nil
}

// send delivers a reply. Delivery failures are logged; the turn's state is
// already committed and the patient can simply write again.
func (e *Engine) send(ctx context.Context, channelNumberID, recipient string, content messaging.Content) {
	if content.IsZero() {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if err := e.messenger.Send(ctx, channelNumberID, recipient, content); err != nil {
		e.logger.Error("failed to send reply", "channel_number_id", channelNumberID, "recipient", logging.MaskPhone(recipient), "error", err)
	}
}

func (e *Engine) archive(ctx context.Context, conv *Conversation, logger *logging.Logger) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, conv); err != nil {
		logger.Warn("failed to archive conversation", "state", conv.State, "error", err)
	}
}
