package domain

import "time"

// TimerState is the authoritative countdown snapshot owned by the hub.
// Clients run a local smooth countdown between broadcasts and reconcile
// against Remaining on every update.
type TimerState struct {
	Duration  int       `json:"duration"`      // seconds
	Remaining int       `json:"timeRemaining"` // seconds
	Active    bool      `json:"isActive"`
	Paused    bool      `json:"isPaused"`
	StartedAt time.Time `json:"startedAt"`
	PausedAt  time.Time `json:"pausedAt,omitempty"`
}

// Tick recomputes Remaining from wall clock. Reaching zero deactivates
// the timer but never ends the session; only session-ended is terminal.
func (t *TimerState) Tick(now time.Time) {
	if !t.Active || t.Paused {
		return
	}
	elapsed := int(now.Sub(t.StartedAt) / time.Second)
	remaining := t.Duration - elapsed
	if remaining <= 0 {
		remaining = 0
		t.Active = false
	}
	t.Remaining = remaining
}

// Pause freezes the countdown without resetting Remaining.
func (t *TimerState) Pause(now time.Time) {
	if !t.Active || t.Paused {
		return
	}
	t.Tick(now)
	t.Paused = true
	t.PausedAt = now
}

// Resume shifts StartedAt forward by the pause span so elapsed time
// excludes the paused interval.
func (t *TimerState) Resume(now time.Time) {
	if !t.Active || !t.Paused {
		return
	}
	t.StartedAt = t.StartedAt.Add(now.Sub(t.PausedAt))
	t.PausedAt = time.Time{}
	t.Paused = false
}
