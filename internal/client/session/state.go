package session

import (
	"time"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

// Phase is the session lifecycle as one client sees it. Ended is
// terminal; a fresh Join starts a new inactive -> active transition.
type Phase string

const (
	PhaseInactive Phase = "inactive"
	PhaseActive   Phase = "active"
	PhasePaused   Phase = "paused"
	PhaseEnded    Phase = "ended"
)

// State is this client's replica of the shared session. It is derived,
// never authoritative: every field is rebuilt from full-state broadcasts.
type State struct {
	SessionID     string
	Phase         Phase
	Participants  []string
	CurrentVerse  *domain.Verse
	CurrentReader string
	Queue         domain.ReadingQueue
	IsMyTurn      bool

	// Timer fields hold the last authoritative broadcast; the smooth
	// local countdown is computed from them, never stored back.
	TimeRemaining int
	TimerActive   bool
	TimerPaused   bool
	lastTimerAt   time.Time
}

// DisplayRemaining interpolates the countdown between authoritative
// broadcasts. Clamped at zero; reaching zero locally stops the display
// but never ends the session.
func (s *State) DisplayRemaining(now time.Time) int {
	if !s.TimerActive || s.TimerPaused {
		return s.TimeRemaining
	}
	if s.lastTimerAt.IsZero() {
		return s.TimeRemaining
	}
	elapsed := int(now.Sub(s.lastTimerAt) / time.Second)
	remaining := s.TimeRemaining - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *State) hasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (s *State) removeParticipant(id string) {
	out := s.Participants[:0]
	for _, p := range s.Participants {
		if p != id {
			out = append(out, p)
		}
	}
	s.Participants = out
}
