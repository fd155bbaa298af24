package appointments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreListForDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	ctx := context.Background()
	store := NewMemoryStore()

	at := func(day, hour int) time.Time { return time.Date(2025, 6, day, hour, 0, 0, 0, loc) }
	seed := []*ConfirmedAppointment{
		{ID: "late", TenantID: "t1", PatientPhone: "1", StartsAt: at(3, 18)},
		{ID: "early", TenantID: "t1", PatientPhone: "2", StartsAt: at(3, 9)},
		{ID: "midnight-next", TenantID: "t1", PatientPhone: "3", StartsAt: at(4, 0)},
		{ID: "other-tenant", TenantID: "t2", PatientPhone: "4", StartsAt: at(3, 10)},
		{ID: "no-phone", TenantID: "t1", StartsAt: at(3, 11)},
		{ID: "cancelled", TenantID: "t1", PatientPhone: "5", StartsAt: at(3, 12)},
	}
	for _, appt := range seed {
		require.NoError(t, store.Create(ctx, appt))
	}
	require.NoError(t, store.Cancel(ctx, "cancelled"))

	got, err := store.ListForDay(ctx, "t1", time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), loc)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
}

func TestMemoryStoreGetAndCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appt := &ConfirmedAppointment{TenantID: "t1", PatientPhone: "1"}
	require.NoError(t, store.Create(ctx, appt))
	require.NotEmpty(t, appt.ID)

	got, err := store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	require.NoError(t, store.Cancel(ctx, appt.ID))
	got, err = store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Cancel(ctx, "nope"), ErrNotFound)
}

func TestDayBounds(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	start, end := DayBounds(time.Date(2025, 6, 3, 23, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, loc), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
