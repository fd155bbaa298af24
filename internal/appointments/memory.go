package appointments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps appointments in process; used in development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]ConfirmedAppointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]ConfirmedAppointment)}
}

func (s *MemoryStore) Create(_ context.Context, appt *ConfirmedAppointment) error {
	if appt == nil {
		return errors.New("appointments: appointment required")
	}
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = StatusConfirmed
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[appt.ID]; ok {
		return fmt.Errorf("appointments: %s already exists", appt.ID)
	}
	s.items[appt.ID] = *appt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ConfirmedAppointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("appointments: get %s: %w", id, ErrNotFound)
	}
	return &appt, nil
}

func (s *MemoryStore) ListForDay(_ context.Context, tenantID string, day time.Time, loc *time.Location) ([]ConfirmedAppointment, error) {
	start, end := DayBounds(day, loc)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConfirmedAppointment
	for _, appt := range s.items {
		if appt.TenantID != tenantID || appt.Status == StatusCancelled || appt.PatientPhone == "" {
			continue
		}
		if appt.StartsAt.Before(start) || !appt.StartsAt.Before(end) {
			continue
		}
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.items[id]
	if !ok {
		return fmt.Errorf("appointments: cancel %s: %w", id, ErrNotFound)
	}
	appt.Status = StatusCancelled
	s.items[id] = appt
	return nil
}

// Len reports how many appointments are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
