package hub

import (
	"sync"
	"time"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

const (
	defaultJoinLimit  = 10
	defaultJoinWindow = 10 * time.Second
)

// joinLimiter throttles join-session attempts per participant with a
// sliding window, so a reconnect loop cannot churn room state faster
// than the grace period can absorb.
type joinLimiter struct {
	mu      sync.Mutex
	history map[domain.ParticipantID][]time.Time
	limit   int
	window  time.Duration
}

func newJoinLimiter(limit int, window time.Duration) *joinLimiter {
	if limit <= 0 {
		limit = defaultJoinLimit
	}
	if window <= 0 {
		window = defaultJoinWindow
	}
	return &joinLimiter{
		history: make(map[domain.ParticipantID][]time.Time),
		limit:   limit,
		window:  window,
	}
}

func (rl *joinLimiter) allow(pid domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	attempts := rl.history[pid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[pid] = fresh
		return false
	}

	rl.history[pid] = append(fresh, now)
	return true
}

// forget drops the attempt history for a participant, called when its
// room entry is destroyed.
func (rl *joinLimiter) forget(pid domain.ParticipantID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, pid)
}
