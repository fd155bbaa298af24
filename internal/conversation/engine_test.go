package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/calendar"
	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	"github.com/wolfman30/clinic-booking-engine/internal/events"
	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
)

type scriptedExtractor struct {
	mu       sync.Mutex
	byText   map[string]extraction.Result
	err      error
	block    chan struct{}
	calls    int
	received []string
}

func (s *scriptedExtractor) Extract(ctx context.Context, history []extraction.ChatMessage, latest string, _ extraction.Overrides) (extraction.Result, error) {
	s.mu.Lock()
	s.calls++
	s.received = append(s.received, latest)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return extraction.Result{}, ctx.Err()
		}
	}
	if s.err != nil {
		return extraction.Result{}, s.err
	}
	return s.byText[latest], nil
}

func (s *scriptedExtractor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBooker struct {
	mu        sync.Mutex
	err       error
	requests  []calendar.BookingRequest
	cancelled []string
}

func (b *fakeBooker) CreateAppointment(ctx context.Context, tenant *tenancy.Tenant, req calendar.BookingRequest) (calendar.AppointmentRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return calendar.AppointmentRef{}, b.err
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, tenant.Location())
	if err != nil {
		return calendar.AppointmentRef{}, err
	}
	return calendar.AppointmentRef{
		EventID:   fmt.Sprintf("event-%d", len(b.requests)),
		ContactID: "contact-1",
		StartsAt:  start,
		EndsAt:    start.Add(time.Hour),
	}, nil
}

func (b *fakeBooker) CancelAppointment(_ context.Context, _ *tenancy.Tenant, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, eventID)
	return nil
}

type sentMessage struct {
	channel   string
	recipient string
	content   messaging.Content
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *recordingMessenger) Send(_ context.Context, channel, recipient string, content messaging.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{channel: channel, recipient: recipient, content: content})
	return nil
}

func (m *recordingMessenger) last(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

type staticTokens struct{ err error }

func (s staticTokens) GetValidToken(context.Context, string) (credentials.Token, error) {
	if s.err != nil {
		return credentials.Token{}, s.err
	}
	return credentials.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []*Conversation
}

func (a *recordingArchiver) Archive(_ context.Context, conv *Conversation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, conv.Clone())
	return nil
}

type engineHarness struct {
	engine    *Engine
	store     *MemoryStore
	extractor *scriptedExtractor
	booker    *fakeBooker
	messenger *recordingMessenger
	appts     *appointments.MemoryStore
	archiver  *recordingArchiver
	registry  *tenancy.StaticRegistry
	now       *time.Time
}

func newHarness(t *testing.T, opts ...EngineOption) *engineHarness {
	t.Helper()
	now := testNow
	h := &engineHarness{
		store:     NewMemoryStore(time.Hour),
		extractor: &scriptedExtractor{byText: map[string]extraction.Result{}},
		booker:    &fakeBooker{},
		messenger: &recordingMessenger{},
		appts:     appointments.NewMemoryStore(),
		archiver:  &recordingArchiver{},
		registry:  tenancy.NewStaticRegistry(testTenant("t1"), testTenant("t2")),
		now:       &now,
	}
	clock := func() time.Time { return *h.now }
	h.store.SetClock(clock)
	base := []EngineOption{
		WithClock(clock),
		WithAppointmentStore(h.appts),
		WithArchiver(h.archiver),
		WithDeduper(events.NewMemoryStore()),
	}
	h.engine = NewEngine(h.registry, h.store, h.extractor, h.booker, h.messenger, nil, append(base, opts...)...)
	return h
}

var msgSeq int

func inbound(channel, from, text string) messaging.InboundMessage {
	msgSeq++
	return messaging.InboundMessage{
		ChannelNumberID: channel,
		From:            from,
		MessageID:       fmt.Sprintf("wamid.%d", msgSeq),
		Text:            text,
	}
}

func button(channel, from, id string) messaging.InboundMessage {
	msg := inbound(channel, from, "")
	msg.ButtonID = id
	msg.ButtonTitle = id
	return msg
}

const patient = "5215512345678"

func TestEngineHappyPathScenarios(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.byText["Quiero una cita para mañana a las 10am, soy Juan"] = extraction.Result{
		HasAppointmentInfo: true,
		Name:               slot("Juan", 0.95),
		Date:               slot("2025-06-03", 0.95),
		Time:               slot("10:00", 0.95),
	}
	h.extractor.byText["Consulta general"] = extraction.Result{HasAppointmentInfo: true, Service: slot("Consulta general", 0.92)}

	// Scenario 1: only the service is asked for.
	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "Quiero una cita para mañana a las 10am, soy Juan"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, StateCollecting, res.State)
	assert.Contains(t, res.Reply.Text, "el motivo de tu consulta")
	assert.NotContains(t, res.Reply.Text, "la fecha")

	// Scenario 2: complete candidate, interactive summary.
	res, err = h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "Consulta general"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, res.State)
	require.NotNil(t, res.Reply.Prompt)
	assert.Contains(t, res.Reply.Prompt.Body, "Juan")
	assert.Contains(t, res.Reply.Prompt.Body, "Consulta general")
	assert.Contains(t, res.Reply.Prompt.Body, "10:00")

	// Scenario 3: tap confirm, calendar books, appointment persisted.
	calls := h.extractor.Calls()
	res, err = h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Equal(t, calls, h.extractor.Calls(), "confirmation replies skip extraction")
	require.Len(t, h.booker.requests, 1)
	assert.Equal(t, "Juan", h.booker.requests[0].PatientName)
	assert.Equal(t, patient, h.booker.requests[0].PatientPhone)

	appt, err := h.appts.Get(ctx, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, "t1", appt.TenantID)
	assert.Equal(t, "event-1", appt.CalendarEventID)
	assert.True(t, appt.StartsAt.Equal(time.Date(2025, 6, 3, 10, 0, 0, 0, mexicoCity)))

	last := h.messenger.last(t)
	assert.Equal(t, "channel-t1", last.channel)
	assert.Equal(t, patient, last.recipient)
	assert.Contains(t, last.content.Text, "confirmada")

	require.Len(t, h.archiver.archived, 1)
	assert.Equal(t, StateConfirmed, h.archiver.archived[0].State)
}

func TestEngineAuthExpiredLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, WithTokenSource(staticTokens{err: fmt.Errorf("refresh: %w", credentials.ErrAuthExpired)}))
	ctx := context.Background()

	existing := &Conversation{ID: ConversationID("t1", patient), TenantID: "t1", PatientID: patient, State: StateCollecting, Candidate: Candidate{Name: confirmed("Juan")}}
	require.NoError(t, h.store.Save(ctx, existing))
	before, err := h.store.Load(ctx, existing.ID)
	require.NoError(t, err)

	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "el martes a las 10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthExpired, res.Outcome)
	assert.Equal(t, msgUnavailable, h.messenger.last(t).content.Text)
	assert.Zero(t, h.extractor.Calls())

	after, err := h.store.Load(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngineAuthExpiredDuringBooking(t *testing.T) {
	h := newHarness(t)
	h.booker.err = fmt.Errorf("calendar: %w", credentials.ErrAuthExpired)
	ctx := context.Background()

	conv := &Conversation{ID: ConversationID("t1", patient), TenantID: "t1", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
	require.NoError(t, h.store.Save(ctx, conv))

	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "si"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthExpired, res.Outcome)

	got, err := h.store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestEngineCalendarFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transient keeps awaiting confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.booker.err = fmt.Errorf("upstream: %w", calendar.ErrTransient)
		conv := &Conversation{ID: ConversationID("t1", patient), TenantID: "t1", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
		require.NoError(t, h.store.Save(ctx, conv))

		res, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingConfirmation, res.State)
		require.NotNil(t, res.Reply.Prompt)
		assert.Contains(t, res.Reply.Prompt.Body, "intenta confirmar de nuevo")
		assert.Equal(t, 0, h.appts.Len())
	})

	t.Run("rejected returns to collecting", func(t *testing.T) {
		h := newHarness(t)
		h.booker.err = fmt.Errorf("slot taken: %w", calendar.ErrRejected)
		conv := &Conversation{ID: ConversationID("t1", patient), TenantID: "t1", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
		require.NoError(t, h.store.Save(ctx, conv))

		res, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
		require.NoError(t, err)
		assert.Equal(t, StateCollecting, res.State)
		got, err := h.store.Load(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, FieldUnset, got.Candidate.Get(FieldTime).Status)
		assert.Equal(t, "2025-06-03", got.Candidate.Date.Value)
	})
}

type flakySaveStore struct {
	*MemoryStore
	failures int
}

func (s *flakySaveStore) Save(ctx context.Context, conv *Conversation) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("redis: connection reset")
	}
	return s.MemoryStore.Save(ctx, conv)
}

func TestEngineReplayedConfirmationAfterFailedSaveBooksOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakySaveStore{MemoryStore: h.store}
	engine := NewEngine(h.registry, flaky, h.extractor, h.booker, h.messenger, nil,
		WithClock(func() time.Time { return *h.now }),
		WithAppointmentStore(h.appts),
	)

	conv := &Conversation{ID: ConversationID("t1", patient), SessionID: "s-1", TenantID: "t1", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
	require.NoError(t, h.store.Save(ctx, conv))
	flaky.failures = 1

	_, err := engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnRetryable)
	stored, err := h.store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, stored.State)

	res, err := engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Len(t, h.booker.requests, 1, "calendar booked once across both confirmations")
	assert.Equal(t, 1, h.appts.Len())

	appt, err := h.appts.Get(ctx, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, "event-1", appt.CalendarEventID)
}

type failingRecorder struct {
	*appointments.MemoryStore
}

func (failingRecorder) Create(context.Context, *appointments.ConfirmedAppointment) error {
	return errors.New("postgres: connection refused")
}

func TestEngineUnrecordedBookingReleasesCalendarEvent(t *testing.T) {
	h := newHarness(t, WithAppointmentStore(failingRecorder{MemoryStore: appointments.NewMemoryStore()}))
	ctx := context.Background()

	conv := &Conversation{ID: ConversationID("t1", patient), SessionID: "s-2", TenantID: "t1", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
	require.NoError(t, h.store.Save(ctx, conv))

	_, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnRetryable)
	assert.Equal(t, []string{"event-1"}, h.booker.cancelled)

	got, err := h.store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
	assert.Empty(t, got.AppointmentID)
}

func TestBookingIDIsStablePerSessionAndSlot(t *testing.T) {
	conv := &Conversation{SessionID: "s-1"}
	cand := completeCandidate()
	assert.Equal(t, bookingID(conv, cand), bookingID(conv, cand))

	other := cand
	other.Time = confirmed("11:00")
	assert.NotEqual(t, bookingID(conv, cand), bookingID(conv, other))
	assert.NotEqual(t, bookingID(conv, cand), bookingID(&Conversation{SessionID: "s-2"}, cand))
}

func TestEngineScopesDownstreamCallsToTenant(t *testing.T) {
	var seen []string
	messenger := messaging.MessengerFunc(func(ctx context.Context, _, _ string, _ messaging.Content) error {
		id, _ := tenancy.TenantIDFromContext(ctx)
		seen = append(seen, id)
		return nil
	})
	h := newHarness(t)
	engine := NewEngine(h.registry, h.store, h.extractor, h.booker, messenger, nil, WithClock(func() time.Time { return *h.now }))

	_, err := engine.HandleTurn(context.Background(), inbound("channel-t2", patient, "hola"))
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for _, id := range seen {
		assert.Equal(t, "t2", id)
	}
}

func TestEngineUnknownTenantIsDropped(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.HandleTurn(context.Background(), inbound("channel-unknown", patient, "hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTenantNotFound, res.Outcome)
	assert.Empty(t, h.messenger.sent)
	assert.Equal(t, 0, h.store.Len())
}

func TestEngineDropsRedeliveries(t *testing.T) {
	h := newHarness(t)
	msg := inbound("channel-t1", patient, "hola")

	_, err := h.engine.HandleTurn(context.Background(), msg)
	require.NoError(t, err)
	res, err := h.engine.HandleTurn(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, h.extractor.Calls())
	assert.Len(t, h.messenger.sent, 1)
}

func TestEngineTimeoutCommitsNothing(t *testing.T) {
	h := newHarness(t, WithTurnTimeout(50*time.Millisecond))
	block := make(chan struct{})
	h.extractor.block = block
	defer close(block)
	ctx := context.Background()

	msg := inbound("channel-t1", patient, "hola")
	res, err := h.engine.HandleTurn(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.messenger.sent)

	// The dedup marker was released, so the redelivery is processed.
	h.extractor.mu.Lock()
	h.extractor.block = nil
	h.extractor.mu.Unlock()
	res, err = h.engine.HandleTurn(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestEngineExpiredConversationIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := &Conversation{
		ID: ConversationID("t1", patient), SessionID: "old-session", TenantID: "t1", PatientID: patient,
		State: StateCollecting, Candidate: Candidate{Name: confirmed("Juan"), Service: confirmed("Consulta")},
		LastActivityAt: testNow,
	}
	require.NoError(t, h.store.Save(ctx, old))

	*h.now = testNow.Add(2 * time.Hour)
	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "hola"))
	require.NoError(t, err)
	assert.Equal(t, StateNew, res.From)

	got, err := h.store.Load(ctx, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "old-session", got.SessionID)
	assert.Equal(t, FieldUnset, got.Candidate.Get(FieldPatientName).Status, "expired fields are not carried over")

	require.Len(t, h.archiver.archived, 1)
	archived := h.archiver.archived[0]
	assert.Equal(t, "old-session", archived.SessionID)
	assert.Equal(t, StateExpired, archived.State)
	assert.Equal(t, "Juan", archived.Candidate.Name.Value)
}

func TestEngineConversationIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.byText["soy Ana"] = extraction.Result{HasAppointmentInfo: true, Name: slot("Ana", 0.95)}
	h.extractor.byText["soy Beto"] = extraction.Result{HasAppointmentInfo: true, Name: slot("Beto", 0.95)}

	_, err := h.engine.HandleTurn(ctx, inbound("channel-t1", "5210000000001", "soy Ana"))
	require.NoError(t, err)
	_, err = h.engine.HandleTurn(ctx, inbound("channel-t1", "5210000000002", "soy Beto"))
	require.NoError(t, err)
	_, err = h.engine.HandleTurn(ctx, inbound("channel-t2", "5210000000001", "hola"))
	require.NoError(t, err)

	ana, err := h.store.Load(ctx, ConversationID("t1", "5210000000001"))
	require.NoError(t, err)
	beto, err := h.store.Load(ctx, ConversationID("t1", "5210000000002"))
	require.NoError(t, err)
	other, err := h.store.Load(ctx, ConversationID("t2", "5210000000001"))
	require.NoError(t, err)

	assert.Equal(t, "Ana", ana.Candidate.Name.Value)
	assert.Equal(t, "Beto", beto.Candidate.Name.Value)
	assert.Equal(t, FieldUnset, other.Candidate.Get(FieldPatientName).Status)
}

func TestEngineSerializesTurnsPerConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	names := []string{"Ana", "Bea", "Carla", "Dora", "Elena", "Fer", "Gaby", "Hilda"}
	for i, name := range names {
		h.extractor.byText[name] = extraction.Result{HasAppointmentInfo: true, Name: slot(name, 0.8+float64(i)/100)}
	}

	var wg sync.WaitGroup
	for _, name := range names {
		msg := inbound("channel-t1", patient, name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.HandleTurn(ctx, msg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := h.store.Load(ctx, ConversationID("t1", patient))
	require.NoError(t, err)
	assert.Equal(t, int64(len(names)), got.Version, "every turn saw the previous turn's save")
	assert.Len(t, got.History, 2*len(names))
}

func TestEngineNeverConfirmsInvalidCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.byText["Juan, consulta, el domingo a las 10"] = *fullResult("Juan", "Consulta", "2025-06-08", "10:00", 0.95)

	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "Juan, consulta, el domingo a las 10"))
	require.NoError(t, err)
	assert.Equal(t, StateCollecting, res.State)

	res, err = h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
	require.NoError(t, err)
	assert.NotEqual(t, StateConfirmed, res.State)
	assert.Empty(t, h.booker.requests)
}

func TestEngineConfirmedFieldsSurviveWeakTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.byText["soy Juan Pérez"] = extraction.Result{HasAppointmentInfo: true, Name: slot("Juan Pérez", 0.95)}
	h.extractor.byText["creo que Pedro"] = extraction.Result{HasAppointmentInfo: true, Name: slot("Pedro", 0.4)}
	h.extractor.byText["mmm"] = extraction.Result{}

	for _, text := range []string{"soy Juan Pérez", "creo que Pedro", "mmm"} {
		_, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, text))
		require.NoError(t, err)
	}
	got, err := h.store.Load(ctx, ConversationID("t1", patient))
	require.NoError(t, err)
	assert.Equal(t, confirmed("Juan Pérez"), got.Candidate.Name)
}

func TestEngineNewConversationAfterTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	done := &Conversation{ID: ConversationID("t1", patient), SessionID: "s1", TenantID: "t1", PatientID: patient, State: StateCancelled, Candidate: completeCandidate()}
	require.NoError(t, h.store.Save(ctx, done))

	res, err := h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "hola otra vez"))
	require.NoError(t, err)
	assert.Equal(t, StateNew, res.From)
	assert.Equal(t, StateCollecting, res.State)
	assert.Contains(t, res.Reply.Text, "¡Hola!")
}

func TestEnginePrepaymentAndMarkPaid(t *testing.T) {
	h := newHarness(t)
	prepay := testTenant("t3")
	prepay.RequiresPrepayment = true
	h.registry.Put(prepay)
	ctx := context.Background()

	conv := &Conversation{ID: ConversationID("t3", patient), TenantID: "t3", PatientID: patient, State: StateAwaitingConfirmation, Candidate: completeCandidate()}
	require.NoError(t, h.store.Save(ctx, conv))

	res, err := h.engine.HandleTurn(ctx, inbound("channel-t3", patient, "sí"))
	require.NoError(t, err)
	assert.Equal(t, StatePaymentPending, res.State)
	assert.Empty(t, h.archiver.archived)

	res, err = h.engine.HandleTurn(ctx, inbound("channel-t3", patient, "ya pagué?"))
	require.NoError(t, err)
	assert.Equal(t, StatePaymentPending, res.State)
	assert.Equal(t, msgPaymentPending, res.Reply.Text)

	res, err = h.engine.MarkPaid(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	require.Len(t, h.archiver.archived, 1)

	_, err = h.engine.MarkPaid(ctx, conv.ID)
	assert.Error(t, err)
}

func TestEngineReminderButtons(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T, h *engineHarness) *appointments.ConfirmedAppointment {
		appt := &appointments.ConfirmedAppointment{
			TenantID: "t1", ConversationID: ConversationID("t1", patient), PatientPhone: patient,
			PatientName: "Juan Pérez", Service: "Consulta general", CalendarEventID: "event-old",
			StartsAt: time.Date(2025, 6, 2, 16, 0, 0, 0, mexicoCity),
		}
		require.NoError(t, h.appts.Create(ctx, appt))
		return appt
	}

	t.Run("confirm acknowledges", func(t *testing.T) {
		h := newHarness(t)
		appt := seed(t, h)
		res, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ReminderButtonID(ReminderConfirm, appt.ID)))
		require.NoError(t, err)
		assert.Equal(t, msgReminderConfirmed, res.Reply.Text)
		assert.Zero(t, h.extractor.Calls())
	})

	t.Run("cancel cancels in calendar and store", func(t *testing.T) {
		h := newHarness(t)
		appt := seed(t, h)
		res, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ReminderButtonID(ReminderCancel, appt.ID)))
		require.NoError(t, err)
		assert.Equal(t, msgReminderCancelled, res.Reply.Text)
		assert.Equal(t, []string{"event-old"}, h.booker.cancelled)
		got, err := h.appts.Get(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, appointments.StatusCancelled, got.Status)
	})

	t.Run("another patient's appointment is refused", func(t *testing.T) {
		h := newHarness(t)
		appt := seed(t, h)
		res, err := h.engine.HandleTurn(ctx, button("channel-t1", "5219999999999", ReminderButtonID(ReminderCancel, appt.ID)))
		require.NoError(t, err)
		assert.Equal(t, msgReminderUnknown, res.Reply.Text)
		assert.Empty(t, h.booker.cancelled)
	})

	t.Run("reschedule books a new slot then cancels the old one", func(t *testing.T) {
		h := newHarness(t)
		appt := seed(t, h)
		h.extractor.byText["el jueves a las 12"] = extraction.Result{HasAppointmentInfo: true, Date: slot("2025-06-05", 0.95), Time: slot("12:00", 0.95)}

		res, err := h.engine.HandleTurn(ctx, button("channel-t1", patient, ReminderButtonID(ReminderReschedule, appt.ID)))
		require.NoError(t, err)
		assert.Equal(t, StateCollecting, res.State)

		res, err = h.engine.HandleTurn(ctx, inbound("channel-t1", patient, "el jueves a las 12"))
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingConfirmation, res.State)
		require.NotNil(t, res.Reply.Prompt)
		assert.Contains(t, res.Reply.Prompt.Body, "Juan Pérez")

		res, err = h.engine.HandleTurn(ctx, button("channel-t1", patient, ButtonConfirmYes))
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, res.State)
		assert.Equal(t, []string{"event-old"}, h.booker.cancelled)

		old, err := h.appts.Get(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, appointments.StatusCancelled, old.Status)
		fresh, err := h.appts.Get(ctx, res.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, appointments.StatusConfirmed, fresh.Status)
	})
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, WithMetrics(metrics.NewEngineMetrics(reg)))
	_, err := h.engine.HandleTurn(context.Background(), inbound("channel-t1", patient, "hola"))
	require.NoError(t, err)
	_, err = h.engine.HandleTurn(context.Background(), inbound("channel-nope", patient, "hola"))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "booking_conversation_turns_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEngineTenantLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.registry = failingRegistry{}
	res, err := h.engine.HandleTurn(context.Background(), inbound("channel-t1", patient, "hola"))
	require.Error(t, err)
	assert.Equal(t, OutcomeTenantUnavailable, res.Outcome)
	assert.Equal(t, msgUnavailable, h.messenger.last(t).content.Text)
}

type failingRegistry struct{}

func (failingRegistry) Resolve(context.Context, string) (*tenancy.Tenant, error) {
	return nil, errors.New("db down")
}
func (failingRegistry) Get(context.Context, string) (*tenancy.Tenant, error) {
	return nil, errors.New("db down")
}
func (failingRegistry) ListActive(context.Context) ([]*tenancy.Tenant, error) {
	return nil, errors.New("db down")
}

func TestNewEnginePanicsOnMissingDeps(t *testing.T) {
	assert.Panics(t, func() {
		NewEngine(nil, NewMemoryStore(0), &scriptedExtractor{}, &fakeBooker{}, &recordingMessenger{}, nil)
	})
}
