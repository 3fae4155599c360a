package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func runningTimer(started time.Time, duration int) TimerState {
	return TimerState{
		Duration:  duration,
		Remaining: duration,
		Active:    true,
		StartedAt: started,
	}
}

func TestTimerTickCountsDown(t *testing.T) {
	start := time.Now()
	ts := runningTimer(start, 60)

	ts.Tick(start.Add(25 * time.Second))

	assert.Equal(t, 35, ts.Remaining)
	assert.True(t, ts.Active)
}

func TestTimerTickClampsAtZeroAndDeactivates(t *testing.T) {
	start := time.Now()
	ts := runningTimer(start, 10)

	ts.Tick(start.Add(45 * time.Second))

	assert.Equal(t, 0, ts.Remaining)
	assert.False(t, ts.Active, "reaching zero deactivates the timer")
}

func TestTimerPauseFreezesRemaining(t *testing.T) {
	start := time.Now()
	ts := runningTimer(start, 60)

	ts.Pause(start.Add(20 * time.Second))
	assert.True(t, ts.Paused)
	assert.Equal(t, 40, ts.Remaining)

	// Ticks while paused change nothing.
	ts.Tick(start.Add(50 * time.Second))
	assert.Equal(t, 40, ts.Remaining)
}

func TestTimerResumeExcludesPausedSpan(t *testing.T) {
	start := time.Now()
	ts := runningTimer(start, 60)

	ts.Pause(start.Add(20 * time.Second))
	ts.Resume(start.Add(50 * time.Second)) // paused for 30s

	ts.Tick(start.Add(60 * time.Second)) // 10s of running time after resume
	assert.Equal(t, 30, ts.Remaining)
	assert.True(t, ts.Active)
	assert.False(t, ts.Paused)
}

func TestTimerPauseResumeIdempotent(t *testing.T) {
	start := time.Now()
	ts := runningTimer(start, 60)

	ts.Resume(start.Add(time.Second)) // resume while running is a no-op
	assert.False(t, ts.Paused)

	ts.Pause(start.Add(10 * time.Second))
	remaining := ts.Remaining
	ts.Pause(start.Add(20 * time.Second)) // second pause is a no-op
	assert.Equal(t, remaining, ts.Remaining)
}
