package reminders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/lib/pq"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// RunStatus is the lifecycle of a job run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// JobRun is the audit record of one scheduler invocation.
type JobRun struct {
	ID                string    `dynamodbav:"runId" json:"id"`
	AsOfDate          string    `dynamodbav:"asOfDate" json:"as_of_date"`
	Timezone          string    `dynamodbav:"timezone" json:"timezone"`
	DryRun            bool      `dynamodbav:"dryRun" json:"dry_run"`
	Status            RunStatus `dynamodbav:"status" json:"status"`
	TotalTenants      int       `dynamodbav:"totalTenants" json:"total_tenants"`
	TotalAppointments int       `dynamodbav:"totalAppointments" json:"total_appointments"`
	RemindersSent     int       `dynamodbav:"remindersSent" json:"reminders_sent"`
	WouldSend         int       `dynamodbav:"wouldSend" json:"would_send"`
	Skipped           int       `dynamodbav:"skipped" json:"skipped"`
	Errors            []string  `dynamodbav:"errors" json:"errors"`
	StartedAt         time.Time `dynamodbav:"startedAt" json:"started_at"`
	FinishedAt        time.Time `dynamodbav:"finishedAt,omitempty" json:"finished_at,omitempty"`
	ExpiresAt         int64     `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// RunStore persists job runs: Start when a run begins, Finish when it ends.
type RunStore interface {
	Start(ctx context.Context, run *JobRun) error
	Finish(ctx context.Context, run *JobRun) error
}

// SQLRunStore writes job runs to the job_runs table.
type SQLRunStore struct {
	db *sql.DB
}

func NewSQLRunStore(db *sql.DB) *SQLRunStore {
	if db == nil {
		panic("reminders: sql db required")
	}
	return &SQLRunStore{db: db}
}

func (s *SQLRunStore) Start(ctx context.Context, run *JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, as_of_date, timezone, dry_run, status, started_at)
		VALUES ($1, 'reminders', $2, $3, $4, $5, $6)
	`, run.ID, run.AsOfDate, run.Timezone, run.DryRun, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("reminders: start run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLRunStore) Finish(ctx context.Context, run *JobRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = $2, total_tenants = $3, total_appointments = $4, reminders_sent = $5,
		    would_send = $6, skipped = $7, errors = $8, finished_at = $9
		WHERE id = $1
	`, run.ID, string(run.Status), run.TotalTenants, run.TotalAppointments, run.RemindersSent,
		run.WouldSend, run.Skipped, pq.Array(errs), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("reminders: finish run %s: %w", run.ID, err)
	}
	return nil
}

const runRecordTTL = 90 * 24 * time.Hour

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoRunStore mirrors job runs into a DynamoDB table keyed by runId.
type DynamoRunStore struct {
	client    dynamoAPI
	tableName string
}

func NewDynamoRunStore(client dynamoAPI, tableName string) *DynamoRunStore {
	if client == nil {
		panic("reminders: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("reminders: table name cannot be empty")
	}
	return &DynamoRunStore{client: client, tableName: tableName}
}

func (s *DynamoRunStore) Start(ctx context.Context, run *JobRun) error {
	return s.put(ctx, run, aws.String("attribute_not_exists(runId)"))
}

func (s *DynamoRunStore) Finish(ctx context.Context, run *JobRun) error {
	return s.put(ctx, run, nil)
}

func (s *DynamoRunStore) put(ctx context.Context, run *JobRun, condition *string) error {
	rec := *run
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = rec.StartedAt.Add(runRecordTTL).Unix()
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("reminders: marshal run: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: condition,
	})
	if err != nil {
		return fmt.Errorf("reminders: persist run %s: %w", run.ID, err)
	}
	return nil
}

// MultiRunStore fans a run out to several stores. The first store is the
// system of record; failures in the others are logged only.
type MultiRunStore struct {
	primary RunStore
	mirrors []RunStore
	logger  *logging.Logger
}

func NewMultiRunStore(logger *logging.Logger, primary RunStore, mirrors ...RunStore) *MultiRunStore {
	if primary == nil {
		panic("reminders: primary run store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MultiRunStore{primary: primary, mirrors: mirrors, logger: logger}
}

func (m *MultiRunStore) Start(ctx context.Context, run *JobRun) error {
	return m.each(ctx, run, "start", RunStore.Start)
}

func (m *MultiRunStore) Finish(ctx context.Context, run *JobRun) error {
	return m.each(ctx, run, "finish", RunStore.Finish)
}

func (m *MultiRunStore) each(ctx context.Context, run *JobRun, op string, fn func(RunStore, context.Context, *JobRun) error) error {
	if err := fn(m.primary, ctx, run); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if mirror == nil {
			continue
		}
		if err := fn(mirror, ctx, run); err != nil {
			m.logger.Warn("reminder run mirror failed", "operation", op, "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// MemoryRunStore keeps runs in process; used by tests and dry local runs.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]JobRun
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]JobRun)}
}

func (s *MemoryRunStore) Start(_ context.Context, run *JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("reminders: run %s already started", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) Finish(_ context.Context, run *JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return errors.New("reminders: finish of unknown run " + run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a stored run.
func (s *MemoryRunStore) Get(id string) (JobRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

func cloneRun(run *JobRun) JobRun {
	cp := *run
	cp.Errors = append([]string(nil), run.Errors...)
	return cp
}
