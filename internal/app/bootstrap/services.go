package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-engine/internal/appointments"
	"github.com/wolfman30/clinic-booking-engine/internal/archive"
	"github.com/wolfman30/clinic-booking-engine/internal/calendar"
	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/conversation"
	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	"github.com/wolfman30/clinic-booking-engine/internal/events"
	"github.com/wolfman30/clinic-booking-engine/internal/lock"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/notify"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/reminders"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const (
	// The conversation lock outlives the turn budget so a slow turn is never
	// joined by a second one.
	conversationLockGrace = 10 * time.Second
	credentialLeaseTTL    = 30 * time.Second
	reminderClaimTTL      = 5 * time.Minute
)

// Metrics groups the metric sets of one process.
type Metrics struct {
	Engine      *metrics.EngineMetrics
	Messaging   *metrics.MessagingMetrics
	Credentials *metrics.CredentialMetrics
	Calendar    *metrics.CalendarMetrics
	Reminders   *metrics.ReminderMetrics
}

// NewMetrics registers every metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Engine:      metrics.NewEngineMetrics(reg),
		Messaging:   metrics.NewMessagingMetrics(reg),
		Credentials: metrics.NewCredentialMetrics(reg),
		Calendar:    metrics.NewCalendarMetrics(reg),
		Reminders:   metrics.NewReminderMetrics(reg),
	}
}

// Services is the shared dependency graph of the api, worker and reminder
// binaries. Stores fall back to in-memory versions when Postgres or Redis is
// not configured.
type Services struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics *Metrics

	DB    *pgxpool.Pool
	SQL   *sql.DB
	Redis *redis.Client

	Tenants          tenancy.Registry
	TenantStore      *tenancy.PostgresRegistry
	CredentialStore  credentials.Store
	OAuth            *credentials.OAuthClient
	Credentials      *credentials.Manager
	Calendar         *calendar.Adapter
	Appointments     appointments.Store
	Conversations    conversation.Store
	Messenger        messaging.Messenger
	MessengerName    string
	Engine           *conversation.Engine
	Reminders        *reminders.Scheduler
	ReminderRecords  reminders.RecordStore
	ReminderRuns     reminders.RunStore
	Archive          *archive.Store
	ReauthNotifier   *notify.ReauthNotifier
	ProcessedInbound events.Deduper

	closers []func()
}

// Close releases connections in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// BuildServices wires every component from cfg.
func BuildServices(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Services{Config: cfg, Logger: logger, Metrics: NewMetrics(reg)}

	pool, err := BuildPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		s.DB = pool
		s.SQL = stdlib.OpenDBFromPool(pool)
		s.closers = append(s.closers, pool.Close, func() { _ = s.SQL.Close() })
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
	}
	if client := BuildRedisClient(ctx, cfg, logger, true); client != nil {
		s.Redis = client
		s.closers = append(s.closers, func() { _ = client.Close() })
	} else {
		logger.Warn("redis unavailable; conversations and locks are process-local")
	}

	s.buildTenants(cfg, logger)
	s.buildNotifier(cfg, awsCfg, logger)
	s.buildCredentials(cfg, logger)
	s.buildCalendar(cfg, logger)
	s.Messenger, s.MessengerName = BuildMessenger(cfg, s.Metrics.Messaging, logger)

	llm, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.buildEngine(cfg, awsCfg, BuildExtractor(cfg, llm, s.Metrics.Engine, logger), logger)
	s.buildReminders(cfg, awsCfg, logger)
	return s, nil
}

func (s *Services) locker(ttl time.Duration) lock.Locker {
	if s.Redis == nil {
		return lock.NewLocalLocker()
	}
	return lock.NewRedisLocker(s.Redis, ttl)
}

func (s *Services) buildTenants(cfg *appconfig.Config, logger *logging.Logger) {
	if s.DB == nil {
		s.Tenants = tenancy.NewStaticRegistry()
		return
	}
	s.TenantStore = tenancy.NewPostgresRegistry(s.DB)
	s.Tenants = s.TenantStore
	if s.Redis != nil && cfg.TenantCacheTTL > 0 {
		s.Tenants = tenancy.NewCachedRegistry(s.TenantStore, s.Redis, cfg.TenantCacheTTL, logger)
	}
}

func (s *Services) buildNotifier(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) {
	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "sendgrid":
		if sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger); sg != nil {
			sender = sg
		}
	case "ses":
		sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger)
	}
	if sender == nil {
		sender = notify.NewStubEmailSender(logger)
	}
	s.ReauthNotifier = notify.NewReauthNotifier(sender, s.Tenants, cfg.PublicBaseURL, logger)
}

func (s *Services) buildCredentials(cfg *appconfig.Config, logger *logging.Logger) {
	if s.DB != nil {
		s.CredentialStore = credentials.NewPostgresStore(s.DB)
	} else {
		s.CredentialStore = credentials.NewMemoryStore()
	}
	s.OAuth = credentials.NewOAuthClient(credentials.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
		AuthorizeURL: cfg.OAuthAuthorizeURL,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scopes:       cfg.OAuthScopes,
		Timeout:      cfg.CalendarTimeout,
	}, logger)
	s.Credentials = credentials.NewManager(s.CredentialStore, s.OAuth, logger,
		credentials.WithRefreshMargin(cfg.TokenRefreshMargin),
		credentials.WithLease(s.locker(credentialLeaseTTL)),
		credentials.WithNotifier(s.ReauthNotifier),
		credentials.WithMetrics(s.Metrics.Credentials),
	)
}

func (s *Services) buildCalendar(cfg *appconfig.Config, logger *logging.Logger) {
	client := calendar.NewClient(calendar.Config{
		BaseURL:    cfg.CalendarBaseURL,
		APIVersion: cfg.CalendarAPIVersion,
		Timeout:    cfg.CalendarTimeout,
	})
	s.Calendar = calendar.NewAdapter(client, s.Credentials, logger,
		calendar.WithAppointmentDuration(cfg.CalendarAppointmentDuration),
		calendar.WithTimeout(cfg.CalendarTimeout),
		calendar.WithMetrics(s.Metrics.Calendar),
	)
}

func (s *Services) buildEngine(cfg *appconfig.Config, awsCfg aws.Config, extractor conversation.SlotExtractor, logger *logging.Logger) {
	if s.DB != nil {
		s.Appointments = appointments.NewPostgresStore(s.DB)
		s.ProcessedInbound = events.NewProcessedStore(s.DB)
	} else {
		s.Appointments = appointments.NewMemoryStore()
		s.ProcessedInbound = events.NewMemoryStore()
	}
	if s.Redis != nil {
		s.Conversations = conversation.NewRedisStore(s.Redis, cfg.ConversationTTL)
	} else {
		s.Conversations = conversation.NewMemoryStore(cfg.ConversationTTL)
	}

	opts := []conversation.EngineOption{
		conversation.WithLocker(s.locker(cfg.TurnTimeout + conversationLockGrace)),
		conversation.WithDeduper(s.ProcessedInbound),
		conversation.WithTokenSource(s.Credentials),
		conversation.WithAppointmentStore(s.Appointments),
		conversation.WithMetrics(s.Metrics.Engine),
		conversation.WithThreshold(cfg.ExtractionConfidenceThreshold),
		conversation.WithTurnTimeout(cfg.TurnTimeout),
		conversation.WithHistoryLimit(cfg.HistoryLimit),
	}
	if cfg.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		s.Archive = archive.NewStore(s3Client, cfg.ArchiveBucket, logger)
		opts = append(opts, conversation.WithArchiver(s.Archive))
	}
	s.Engine = conversation.NewEngine(s.Tenants, s.Conversations, extractor, s.Calendar, s.Messenger, logger, opts...)
}

func (s *Services) buildReminders(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) {
	if s.DB != nil {
		s.ReminderRecords = reminders.NewPostgresRecordStore(s.DB)
		var mirrors []reminders.RunStore
		if cfg.JobRunsTable != "" {
			mirrors = append(mirrors, reminders.NewDynamoRunStore(dynamodb.NewFromConfig(awsCfg), cfg.JobRunsTable))
		}
		s.ReminderRuns = reminders.NewMultiRunStore(logger, reminders.NewSQLRunStore(s.SQL), mirrors...)
	} else {
		s.ReminderRecords = reminders.NewMemoryRecordStore()
		s.ReminderRuns = reminders.NewMemoryRunStore()
	}
	s.Reminders = reminders.NewScheduler(s.Tenants, s.Appointments, s.ReminderRecords, s.Messenger, logger,
		reminders.WithRunStore(s.ReminderRuns),
		reminders.WithLocker(s.locker(reminderClaimTTL)),
		reminders.WithMetrics(s.Metrics.Reminders),
		reminders.WithConcurrency(cfg.ReminderConcurrency),
	)
}
