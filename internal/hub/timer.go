package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
	"github.com/korobprog/diviscriptures-sub000/internal/registry"
)

// Re-broadcast cadence. Clients run their own smooth countdown between
// updates, so this stays coarse to keep the room quiet.
const defaultTimerTick = 5 * time.Second

type broadcastFunc func(sid domain.SessionID, event string, payload any)

// TimerService owns the authoritative countdown per session. Snapshots
// are persisted through the registry so a restarted hub resumes running
// timers instead of freezing every room at the last broadcast value.
type TimerService struct {
	logger    zerolog.Logger
	reg       registry.Registry
	ttl       time.Duration
	tick      time.Duration
	broadcast broadcastFunc

	mu     sync.Mutex
	timers map[domain.SessionID]*domain.TimerState
}

func newTimerService(logger *zerolog.Logger, reg registry.Registry, ttl time.Duration, broadcast broadcastFunc) *TimerService {
	return &TimerService{
		logger:    logger.With().Str("component", "timer").Logger(),
		reg:       reg,
		ttl:       ttl,
		tick:      defaultTimerTick,
		broadcast: broadcast,
		timers:    make(map[domain.SessionID]*domain.TimerState),
	}
}

func (ts *TimerService) Run(ctx context.Context) {
	ticker := time.NewTicker(ts.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts.onTick(ctx, now)
		}
	}
}

func (ts *TimerService) Start(ctx context.Context, sid domain.SessionID, duration int) {
	t := &domain.TimerState{
		Duration:  duration,
		Remaining: duration,
		Active:    true,
		StartedAt: time.Now(),
	}
	ts.mu.Lock()
	ts.timers[sid] = t
	snap := *t
	ts.mu.Unlock()

	ts.persist(ctx, sid, snap)
	ts.announce(sid, snap)
	ts.logger.Info().Str("session", string(sid)).Int("duration", duration).Msg("timer started")
}

func (ts *TimerService) Pause(ctx context.Context, sid domain.SessionID) {
	ts.withTimer(ctx, sid, func(t *domain.TimerState) {
		t.Pause(time.Now())
	})
}

func (ts *TimerService) Resume(ctx context.Context, sid domain.SessionID) {
	ts.withTimer(ctx, sid, func(t *domain.TimerState) {
		t.Resume(time.Now())
	})
}

func (ts *TimerService) Stop(ctx context.Context, sid domain.SessionID) {
	ts.mu.Lock()
	delete(ts.timers, sid)
	ts.mu.Unlock()
	if err := ts.reg.DeleteTimer(ctx, sid); err != nil {
		ts.logger.Error().Err(err).Str("session", string(sid)).Msg("timer delete failed")
	}
}

// withTimer applies op to the local timer, falling back to the registry
// snapshot when this instance has none (restart recovery).
func (ts *TimerService) withTimer(ctx context.Context, sid domain.SessionID, op func(*domain.TimerState)) {
	ts.mu.Lock()
	t, ok := ts.timers[sid]
	ts.mu.Unlock()

	if !ok {
		snap, err := ts.reg.GetTimer(ctx, sid)
		if err != nil {
			if !errors.Is(err, registry.ErrMiss) {
				ts.logger.Error().Err(err).Str("session", string(sid)).Msg("timer get failed")
			}
			return
		}
		t = &snap
		ts.mu.Lock()
		ts.timers[sid] = t
		ts.mu.Unlock()
	}

	ts.mu.Lock()
	op(t)
	snap := *t
	ts.mu.Unlock()

	ts.persist(ctx, sid, snap)
	ts.announce(sid, snap)
}

func (ts *TimerService) onTick(ctx context.Context, now time.Time) {
	type update struct {
		sid  domain.SessionID
		snap domain.TimerState
	}

	ts.mu.Lock()
	var updates []update
	for sid, t := range ts.timers {
		if !t.Active || t.Paused {
			continue
		}
		t.Tick(now)
		updates = append(updates, update{sid: sid, snap: *t})
		if !t.Active {
			// Final zero-value broadcast goes out, then the timer is
			// forgotten locally. The session itself keeps running.
			delete(ts.timers, sid)
		}
	}
	ts.mu.Unlock()

	for _, u := range updates {
		ts.persist(ctx, u.sid, u.snap)
		ts.announce(u.sid, u.snap)
	}
}

func (ts *TimerService) persist(ctx context.Context, sid domain.SessionID, t domain.TimerState) {
	if err := ts.reg.PutTimer(ctx, sid, t, ts.ttl); err != nil {
		ts.logger.Error().Err(err).Str("session", string(sid)).Msg("timer persist failed")
	}
}

func (ts *TimerService) announce(sid domain.SessionID, t domain.TimerState) {
	ts.broadcast(sid, protocol.EventSessionTimerUpdate, protocol.SessionTimerUpdate{
		SessionID:     string(sid),
		TimeRemaining: t.Remaining,
		IsActive:      t.Active,
		IsPaused:      t.Paused,
		Timestamp:     time.Now().UnixMilli(),
	})
}
