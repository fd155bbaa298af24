// Package reminders sends same-day appointment reminders exactly once.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DateLayout is the calendar-date format of reminder days.
const DateLayout = "2006-01-02"

// Record marks that the reminder for one appointment on one day was sent.
type Record struct {
	AppointmentID string
	TenantID      string
	ReminderDate  string
	SentAt        time.Time
}

// RecordStore is keyed by (appointment id, reminder date).
type RecordStore interface {
	Exists(ctx context.Context, appointmentID, day string) (bool, error)
	Create(ctx context.Context, rec Record) (bool, error)
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRecordStore keeps records in reminder_records.
type PostgresRecordStore struct {
	db DB
}

func NewPostgresRecordStore(db DB) *PostgresRecordStore {
	if db == nil {
		panic("reminders: db required")
	}
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Exists(ctx context.Context, appointmentID, day string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM reminder_records WHERE appointment_id = $1 AND reminder_date = $2
	`, appointmentID, day).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reminders: check record: %w", err)
	}
	return true, nil
}

// Create inserts rec and reports false when a record for the same key already existed.
func (s *PostgresRecordStore) Create(ctx context.Context, rec Record) (bool, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	ct, err := s.db.Exec(ctx, `
		INSERT INTO reminder_records (appointment_id, tenant_id, reminder_date, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id, reminder_date) DO NOTHING
	`, rec.AppointmentID, rec.TenantID, rec.ReminderDate, rec.SentAt)
	if err != nil {
		return false, fmt.Errorf("reminders: create record: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MemoryRecordStore is an in-process RecordStore.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]Record)}
}

func recordKey(appointmentID, day string) string {
	return appointmentID + "|" + day
}

func (s *MemoryRecordStore) Exists(_ context.Context, appointmentID, day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[recordKey(appointmentID, day)]
	return ok, nil
}

func (s *MemoryRecordStore) Create(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec.AppointmentID, rec.ReminderDate)
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = rec
	return true, nil
}

// Len reports how many records are held.
func (s *MemoryRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
