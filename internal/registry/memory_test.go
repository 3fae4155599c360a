package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

func TestMemRegistryPutGet(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	require.NoError(t, reg.Put(ctx, "s1", []string{"alice", "bob"}, time.Hour))

	got, err := reg.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestMemRegistryMissForUnknownSession(t *testing.T) {
	reg := NewMemRegistry()

	_, err := reg.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemRegistryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	require.NoError(t, reg.Put(ctx, "s1", []string{"alice"}, time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	_, err := reg.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemRegistryDelete(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	require.NoError(t, reg.Put(ctx, "s1", []string{"alice"}, time.Hour))
	require.NoError(t, reg.Delete(ctx, "s1"))

	_, err := reg.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemRegistryTimerRoundtrip(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	ts := domain.TimerState{Duration: 60, Remaining: 45, Active: true, StartedAt: time.Now()}
	require.NoError(t, reg.PutTimer(ctx, "s1", ts, time.Hour))

	got, err := reg.GetTimer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ts.Remaining, got.Remaining)
	assert.True(t, got.Active)

	require.NoError(t, reg.DeleteTimer(ctx, "s1"))
	_, err = reg.GetTimer(ctx, "s1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemRegistryTimerIndependentOfParticipants(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	require.NoError(t, reg.Put(ctx, "s1", []string{"alice"}, time.Hour))
	require.NoError(t, reg.PutTimer(ctx, "s1", domain.TimerState{Duration: 10, Active: true}, time.Hour))

	// Deleting the roster keeps the timer entry.
	require.NoError(t, reg.Delete(ctx, "s1"))
	_, err := reg.GetTimer(ctx, "s1")
	assert.NoError(t, err)
}
