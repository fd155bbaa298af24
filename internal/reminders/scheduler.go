package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/lock"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	DefaultTimezone    = "America/Mexico_City"
	DefaultConcurrency = 4
)

// Per-appointment results, also used as metric labels.
const (
	resultSent      = "sent"
	resultWouldSend = "would_send"
	resultDuplicate = "duplicate"
	resultClaimed   = "claimed_elsewhere"
	resultFailed    = "failed"
)

// AppointmentLister selects the appointments due on a local day.
type AppointmentLister interface {
	ListForDay(ctx context.Context, tenantID string, day time.Time, loc *time.Location) ([]appointments.ConfirmedAppointment, error)
}

// Scheduler runs the daily reminder batch.
type Scheduler struct {
	registry    tenancy.Registry
	appts       AppointmentLister
	records     RecordStore
	messenger   messaging.Messenger
	runs        RunStore
	locker      lock.Locker
	logger      *logging.Logger
	metrics     *metrics.ReminderMetrics
	concurrency int
	now         func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRunStore records every run's audit trail.
func WithRunStore(rs RunStore) SchedulerOption {
	return func(s *Scheduler) { s.runs = rs }
}

// WithLocker sets the lock used to claim appointments across concurrent runs.
func WithLocker(l lock.Locker) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithMetrics(m *metrics.ReminderMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithConcurrency bounds how many tenants, and how many appointments per
// tenant, are processed at once.
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(registry tenancy.Registry, appts AppointmentLister, records RecordStore, messenger messaging.Messenger, logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	if registry == nil || appts == nil || records == nil || messenger == nil {
		panic("reminders: registry, appointments, records and messenger are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		registry:    registry,
		appts:       appts,
		records:     records,
		messenger:   messenger,
		locker:      lock.NewLocalLocker(),
		logger:      logger,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type runOptions struct {
	dryRun bool
}

// RunOption tweaks a single run.
type RunOption func(*runOptions)

// DryRun counts what would be sent without sending or recording anything.
func DryRun(enabled bool) RunOption {
	return func(o *runOptions) { o.dryRun = enabled }
}

// IsDryRun reports whether opts request a dry run.
func IsDryRun(opts ...RunOption) bool {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.dryRun
}

// ResolveDate parses asOfDate in timezone; an empty date means today there.
func ResolveDate(asOfDate, timezone string, now time.Time) (string, *time.Location, error) {
	if strings.TrimSpace(timezone) == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", nil, fmt.Errorf("reminders: invalid timezone %q: %w", timezone, err)
	}
	if strings.TrimSpace(asOfDate) == "" {
		return now.In(loc).Format(DateLayout), loc, nil
	}
	if _, err := time.Parse(DateLayout, asOfDate); err != nil {
		return "", nil, fmt.Errorf("reminders: invalid date %q: %w", asOfDate, err)
	}
	return asOfDate, loc, nil
}

// Run sends the reminders for asOfDate. Each tenant's appointments are
// selected on that calendar date in the tenant's own zone, falling back to
// timezone. Per-appointment failures are collected in the run, never
// returned; an error means the batch itself could not run.
func (s *Scheduler) Run(ctx context.Context, asOfDate, timezone string, opts ...RunOption) (JobRun, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	started := s.now()
	day, runLoc, err := ResolveDate(asOfDate, timezone, started)
	if err != nil {
		return JobRun{}, err
	}

	run := &JobRun{
		ID:        uuid.NewString(),
		AsOfDate:  day,
		Timezone:  runLoc.String(),
		DryRun:    o.dryRun,
		Status:    RunRunning,
		StartedAt: started.UTC(),
	}
	if s.runs != nil {
		if err := s.runs.Start(ctx, run); err != nil {
			return *run, err
		}
	}
	logger := s.logger.With("run_id", run.ID, "as_of_date", day, "dry_run", o.dryRun)
	logger.Info("reminder run started", "timezone", run.Timezone)

	b := &batch{run: run}
	tenants, err := s.registry.ListActive(ctx)
	if err != nil {
		b.fail(fmt.Sprintf("list tenants: %v", err))
	} else {
		run.TotalTenants = len(tenants)
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for _, tenant := range tenants {
			g.Go(func() error {
				s.runTenant(ctx, b, tenant, day, runLoc, o, logger)
				return nil
			})
		}
		_ = g.Wait()
	}

	run.FinishedAt = s.now().UTC()
	switch {
	case err != nil:
		run.Status = RunFailed
	case len(run.Errors) > 0:
		run.Status = RunPartial
	default:
		run.Status = RunCompleted
	}
	if s.runs != nil {
		if ferr := s.runs.Finish(context.WithoutCancel(ctx), run); ferr != nil {
			logger.Error("failed to finalize reminder run", "error", ferr)
		}
	}
	s.metrics.ObserveJob(run.FinishedAt.Sub(run.StartedAt).Seconds())
	logger.Info("reminder run finished",
		"status", run.Status,
		"tenants", run.TotalTenants,
		"appointments", run.TotalAppointments,
		"sent", run.RemindersSent,
		"would_send", run.WouldSend,
		"skipped", run.Skipped,
		"errors", len(run.Errors),
	)
	if err != nil {
		return *run, fmt.Errorf("reminders: %w", err)
	}
	return *run, nil
}

// batch guards the shared counters of one run.
type batch struct {
	mu  sync.Mutex
	run *JobRun
}

func (b *batch) fail(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.run.Errors = append(b.run.Errors, msg)
}

func (b *batch) count(result string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch result {
	case resultSent:
		b.run.RemindersSent++
	case resultWouldSend:
		b.run.WouldSend++
	case resultDuplicate, resultClaimed:
		b.run.Skipped++
	}
}

func (b *batch) addAppointments(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.run.TotalAppointments += n
}

func (s *Scheduler) runTenant(ctx context.Context, b *batch, tenant *tenancy.Tenant, day string, runLoc *time.Location, o runOptions, logger *logging.Logger) {
	ctx = tenancy.WithTenantID(ctx, tenant.ID)
	loc := runLoc
	if strings.TrimSpace(tenant.Timezone) != "" {
		loc = tenant.Location()
	}
	date, _ := time.ParseInLocation(DateLayout, day, loc)

	appts, err := s.appts.ListForDay(ctx, tenant.ID, date, loc)
	if err != nil {
		b.fail(fmt.Sprintf("tenant %s: list appointments: %v", tenant.ID, err))
		logger.Error("failed to list appointments", "tenant_id", tenant.ID, "error", err)
		return
	}
	b.addAppointments(len(appts))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, appt := range appts {
		g.Go(func() error {
			result, err := s.remind(ctx, tenant, appt, day, loc, o)
			s.metrics.ObserveReminder(result)
			b.count(result)
			if err != nil {
				b.fail(fmt.Sprintf("tenant %s appointment %s: %v", tenant.ID, appt.ID, err))
				logger.Error("reminder failed", "tenant_id", tenant.ID, "appointment_id", appt.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func claimKey(appointmentID, day string) string {
	return "reminder:claim:" + appointmentID + ":" + day
}

// remind handles one appointment: claim, check, send, then record. The
// record is written only after a successful send.
func (s *Scheduler) remind(ctx context.Context, tenant *tenancy.Tenant, appt appointments.ConfirmedAppointment, day string, loc *time.Location, o runOptions) (string, error) {
	release, err := s.locker.TryAcquire(ctx, claimKey(appt.ID, day))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return resultClaimed, nil
		}
		return resultFailed, fmt.Errorf("claim: %w", err)
	}
	defer release()

	exists, err := s.records.Exists(ctx, appt.ID, day)
	if err != nil {
		return resultFailed, err
	}
	if exists {
		s.logger.Debug("reminder already sent", "tenant_id", tenant.ID, "appointment_id", appt.ID, "day", day)
		return resultDuplicate, nil
	}
	if o.dryRun {
		return resultWouldSend, nil
	}

	content := Content(appt, loc, s.now())
	if err := s.messenger.Send(ctx, tenant.ChannelNumberID, appt.PatientPhone, content); err != nil {
		return resultFailed, fmt.Errorf("send: %w", err)
	}
	created, err := s.records.Create(ctx, Record{
		AppointmentID: appt.ID,
		TenantID:      tenant.ID,
		ReminderDate:  day,
		SentAt:        s.now().UTC(),
	})
	if err != nil {
		return resultSent, fmt.Errorf("sent but not recorded: %w", err)
	}
	if !created {
		s.logger.Warn("reminder record already present after send", "tenant_id", tenant.ID, "appointment_id", appt.ID)
	}
	s.logger.Info("reminder sent", "tenant_id", tenant.ID, "appointment_id", appt.ID, "patient", logging.MaskPhone(appt.PatientPhone))
	return resultSent, nil
}
