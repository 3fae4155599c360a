// Package registry is the external source of truth for room membership,
// kept outside any single hub process so membership survives restarts and
// multiple hub instances can share it. Everything else in a session
// (queue, timer display, verse, peer links) is ephemeral.
package registry

import (
	"context"
	"time"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

// ErrMiss signals a missing record in a typed way so callers can tell
// misses apart from transport errors.
var ErrMiss = errMiss{}

type errMiss struct{}

func (errMiss) Error() string { return "registry: miss" }

// Registry stores the full membership set per session, last-writer-wins.
// Re-putting the same set is a no-op by construction, which is what makes
// join idempotent across hub instances. TTL bounds staleness when a hub
// dies without cleaning up.
type Registry interface {
	Put(ctx context.Context, sid domain.SessionID, participants []string, ttl time.Duration) error
	Get(ctx context.Context, sid domain.SessionID) ([]string, error)
	Delete(ctx context.Context, sid domain.SessionID) error

	// Timer snapshots let a restarted hub pick up running countdowns.
	PutTimer(ctx context.Context, sid domain.SessionID, t domain.TimerState, ttl time.Duration) error
	GetTimer(ctx context.Context, sid domain.SessionID) (domain.TimerState, error)
	DeleteTimer(ctx context.Context, sid domain.SessionID) error

	Ping(ctx context.Context) error
	Close() error
}
