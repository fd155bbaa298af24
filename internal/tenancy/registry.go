package tenancy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrTenantNotFound is returned when a channel number maps to no active tenant.
var ErrTenantNotFound = errors.New("tenancy: tenant not found")

// Registry resolves tenants for inbound routing and batch jobs.
type Registry interface {
	Resolve(ctx context.Context, channelNumberID string) (*Tenant, error)
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	ListActive(ctx context.Context) ([]*Tenant, error)
}

// StaticRegistry is an in-memory registry used in development and tests.
type StaticRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*Tenant
	byChannel map[string]*Tenant
}

// NewStaticRegistry indexes the given tenants by id and channel number.
func NewStaticRegistry(tenants ...*Tenant) *StaticRegistry {
	r := &StaticRegistry{
		byID:      make(map[string]*Tenant, len(tenants)),
		byChannel: make(map[string]*Tenant, len(tenants)),
	}
	for _, t := range tenants {
		r.Put(t)
	}
	return r
}

// Put adds or replaces a tenant.
func (r *StaticRegistry) Put(t *Tenant) {
	if t == nil || t.ID == "" {
		return
	}
	cp := *t
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[cp.ID]; ok {
		delete(r.byChannel, normalizeChannel(prev.ChannelNumberID))
	}
	r.byID[cp.ID] = &cp
	if key := normalizeChannel(cp.ChannelNumberID); key != "" {
		r.byChannel[key] = &cp
	}
}

// Resolve implements Registry.
func (r *StaticRegistry) Resolve(ctx context.Context, channelNumberID string) (*Tenant, error) {
	r.mu.RLock()
	t, ok := r.byChannel[normalizeChannel(channelNumberID)]
	r.mu.RUnlock()
	if !ok || !t.Active() {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

// Get implements Registry.
func (r *StaticRegistry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	r.mu.RLock()
	t, ok := r.byID[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

// ListActive implements Registry.
func (r *StaticRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		if t.Active() {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func normalizeChannel(id string) string {
	return strings.TrimSpace(id)
}
