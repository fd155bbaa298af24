package credentials

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return nil, ErrNoCredential
	}
	return &c, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	c.Status = StatusActive
	c.InvalidReason = ""
	c.UpdatedAt = time.Now().UTC()
	s.creds[c.TenantID] = c
	return nil
}

// UpdateAccessToken implements Store.
func (s *MemoryStore) UpdateAccessToken(ctx context.Context, tenantID, accessToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return ErrNoCredential
	}
	c.AccessToken = accessToken
	c.ExpiresAt = expiresAt
	c.UpdatedAt = time.Now().UTC()
	s.creds[tenantID] = c
	return nil
}

// MarkInvalid implements Store.
func (s *MemoryStore) MarkInvalid(ctx context.Context, tenantID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return nil
	}
	c.Status = StatusInvalid
	c.InvalidReason = reason
	s.creds[tenantID] = c
	return nil
}

// ListExpiring implements Store.
func (s *MemoryStore) ListExpiring(ctx context.Context, before time.Time) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Credential
	for _, c := range s.creds {
		if c.Status == StatusActive && c.ExpiresAt.Before(before) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
