package messaging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

func TestInstrumentedMessengerAppliesTimeout(t *testing.T) {
	slow := MessengerFunc(func(ctx context.Context, channelNumberID, recipient string, content Content) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	m := NewInstrumentedMessenger(slow, 20*time.Millisecond, metrics.NewMessagingMetrics(prometheus.NewRegistry()), nil)

	err := m.Send(context.Background(), "1001", "521", Text("hola"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInstrumentedMessengerPassesThrough(t *testing.T) {
	var got Content
	inner := MessengerFunc(func(ctx context.Context, channelNumberID, recipient string, content Content) error {
		got = content
		return nil
	})
	m := NewInstrumentedMessenger(inner, time.Second, nil, nil)
	assert.NoError(t, m.Send(context.Background(), "1001", "521", Text("hola")))
	assert.Equal(t, "hola", got.Text)

	failing := NewInstrumentedMessenger(MessengerFunc(func(context.Context, string, string, Content) error {
		return errors.New("boom")
	}), time.Second, nil, nil)
	assert.Error(t, failing.Send(context.Background(), "1001", "521", Text("x")))
}

func TestLogMessengerValidates(t *testing.T) {
	m := NewLogMessenger(nil)
	assert.NoError(t, m.Send(context.Background(), "1001", "521", Text("hola")))
	assert.ErrorIs(t, m.Send(context.Background(), "1001", "521", Content{}), ErrInvalidContent)
}

func TestInstrumentedMessengerLogsTenantFromContext(t *testing.T) {
	var buf bytes.Buffer
	failing := NewInstrumentedMessenger(MessengerFunc(func(context.Context, string, string, Content) error {
		return errors.New("boom")
	}), time.Second, nil, logging.NewWithWriter(&buf, "debug"))

	ctx := tenancy.WithTenantID(context.Background(), "clinic-norte")
	assert.Error(t, failing.Send(ctx, "1001", "5215512345678", Text("hola")))
	assert.Contains(t, buf.String(), "clinic-norte")
	assert.NotContains(t, buf.String(), "5215512345678")
}
