package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// DefaultTTL is how long a conversation survives without activity.
const DefaultTTL = 24 * time.Hour

// Store persists conversations keyed by ConversationID.
//
// Load never mutates storage. A non-terminal conversation whose inactivity
// TTL has elapsed comes back with State set to StateExpired.
type Store interface {
	Load(ctx context.Context, id string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	Delete(ctx context.Context, id string) error
}

// RedisStore keeps each conversation as a JSON document whose key TTL
// matches the inactivity TTL, so the state is inspectable with redis-cli.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("booking.internal.conversation.store"),
		now:    time.Now,
	}
}

func conversationKey(id string) string {
	return fmt.Sprintf("conversation:%s", id)
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load", trace.WithAttributes(attribute.String("conversation.id", id)))
	defer span.End()

	data, err := s.redis.Get(ctx, conversationKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to load: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to decode: %w", err)
	}
	markExpired(&conv, s.now())
	span.SetAttributes(attribute.String("conversation.state", string(conv.State)))
	return &conv, nil
}

func (s *RedisStore) Save(ctx context.Context, conv *Conversation) error {
	ctx, span := s.tracer.Start(ctx, "conversation.save", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("conversation.state", string(conv.State)),
	))
	defer span.End()

	stamp(conv, s.now(), s.ttl)
	data, err := json.Marshal(conv)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to marshal: %w", err)
	}
	if err := s.redis.Set(ctx, conversationKey(conv.ID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to persist: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, conversationKey(id)).Err(); err != nil {
		return fmt.Errorf("conversation: failed to delete: %w", err)
	}
	return nil
}

// MemoryStore is the in-process Store used for local runs and tests.
// Expired entries are detected lazily on Load and removed by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Conversation
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{items: make(map[string]*Conversation), ttl: ttl, now: time.Now}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := conv.Clone()
	markExpired(out, s.now())
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(conv, s.now(), s.ttl)
	s.items[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Sweep evicts every conversation whose TTL elapsed before now.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, conv := range s.items {
		if conv.ExpiredAt(now) {
			delete(s.items, id)
			evicted++
		}
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 && logger != nil {
				logger.Debug("swept expired conversations", "evicted", n)
			}
		}
	}
}

// Len reports how many conversations are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func stamp(conv *Conversation, now time.Time, ttl time.Duration) {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = now
	}
	conv.ExpiresAt = conv.LastActivityAt.Add(ttl)
	conv.Version++
}

func markExpired(conv *Conversation, now time.Time) {
	if !conv.State.Terminal() && conv.ExpiredAt(now) {
		conv.State = StateExpired
	}
}
