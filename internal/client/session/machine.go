// Package session mirrors the shared reading-session state on one
// client: active verse, reader queue, current reader, countdown. It is
// a set of broadcast-and-apply reducers over events relayed by the hub;
// convergence relies on every mutation being a full-state broadcast,
// not on delivery order.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// Signaler is the slice of the transport client the state machine needs.
type Signaler interface {
	On(event string, fn func(data json.RawMessage)) int
	Off(event string, id int)
	Emit(event string, payload any) error
}

type Options struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Signaler        Signaler
	Logger          *zerolog.Logger

	OnChange       func(State)
	OnSessionEnded func(reason string)
	OnError        func(error)
}

type subscription struct {
	event string
	id    int
}

type Machine struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	st   State
	subs []subscription
}

func NewMachine(opts Options) *Machine {
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "reading-session").Logger()
	} else {
		logger = zerolog.Nop()
	}
	return &Machine{
		opts:   opts,
		logger: logger,
		st: State{
			SessionID: opts.SessionID,
			Phase:     PhaseInactive,
		},
	}
}

// State returns a snapshot copy.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	st.Participants = append([]string(nil), m.st.Participants...)
	st.Queue = append(domain.ReadingQueue(nil), m.st.Queue...)
	return st
}

// DisplayRemaining is the smooth countdown for rendering, reconciled
// against the last authoritative broadcast.
func (m *Machine) DisplayRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DisplayRemaining(time.Now())
}

// Join subscribes the reducers and announces this participant. A join
// after ended starts a fresh lifecycle.
func (m *Machine) Join() error {
	m.mu.Lock()
	if len(m.subs) == 0 {
		m.mu.Unlock()
		m.subscribe()
		m.mu.Lock()
	}
	m.st = State{
		SessionID:    m.opts.SessionID,
		Phase:        PhaseInactive,
		Participants: []string{m.opts.ParticipantID},
	}
	m.mu.Unlock()

	return m.opts.Signaler.Emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionID:       m.opts.SessionID,
		ParticipantID:   m.opts.ParticipantID,
		ParticipantName: m.opts.ParticipantName,
	})
}

// Leave resets local state and tells the hub. Safe to call repeatedly.
func (m *Machine) Leave() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.st.Phase = PhaseInactive
	m.st.CurrentReader = ""
	m.st.IsMyTurn = false
	m.st.Queue = nil
	m.mu.Unlock()

	for _, s := range subs {
		m.opts.Signaler.Off(s.event, s.id)
	}
	m.notify()

	return m.opts.Signaler.Emit(protocol.EventLeaveSession, protocol.LeaveSession{
		SessionID:     m.opts.SessionID,
		ParticipantID: m.opts.ParticipantID,
	})
}

func (m *Machine) subscribe() {
	sub := func(event string, fn func(json.RawMessage)) {
		id := m.opts.Signaler.On(event, fn)
		m.mu.Lock()
		m.subs = append(m.subs, subscription{event: event, id: id})
		m.mu.Unlock()
	}
	sub(protocol.EventSessionJoined, m.handleSessionJoined)
	sub(protocol.EventParticipantJoined, m.handleParticipantJoined)
	sub(protocol.EventParticipantLeft, m.handleParticipantLeft)
	sub(protocol.EventVerseChanged, m.handleVerseChanged)
	sub(protocol.EventReadingStarted, m.handleReadingStarted)
	sub(protocol.EventReadingFinished, m.handleReadingFinished)
	sub(protocol.EventQueueUpdated, m.handleQueueUpdated)
	sub(protocol.EventSessionTimerUpdate, m.handleTimerUpdate)
	sub(protocol.EventSessionEnded, m.handleSessionEnded)
	sub(protocol.EventError, m.handleError)
}

// ---- reducers ----
// Every reducer ignores events for a different session; malformed events
// are dropped, never fatal.

func (m *Machine) handleSessionJoined(data json.RawMessage) {
	var p protocol.SessionJoined
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.Phase = PhaseActive
	seen := map[string]bool{}
	roster := make([]string, 0, len(p.Participants)+1)
	for _, id := range append(p.Participants, m.opts.ParticipantID) {
		if !seen[id] {
			seen[id] = true
			roster = append(roster, id)
		}
	}
	m.st.Participants = roster
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) handleParticipantJoined(data json.RawMessage) {
	var p protocol.ParticipantJoined
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	if p.ParticipantID == m.opts.ParticipantID {
		return
	}
	m.mu.Lock()
	if !m.st.hasParticipant(p.ParticipantID) {
		m.st.Participants = append(m.st.Participants, p.ParticipantID)
	}
	m.mu.Unlock()
	m.notify()
}

// handleParticipantLeft recomputes roster, queue and reader in one step.
func (m *Machine) handleParticipantLeft(data json.RawMessage) {
	var p protocol.ParticipantLeft
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.removeParticipant(p.ParticipantID)
	m.st.Queue = m.st.Queue.Remove(domain.ParticipantID(p.ParticipantID))
	if m.st.CurrentReader == p.ParticipantID {
		m.st.CurrentReader = ""
		m.st.IsMyTurn = false
	}
	m.mu.Unlock()
	m.notify()
}

// handleVerseChanged applies verse and reader together; the two fields
// never update independently. An absent reader leaves the current one.
func (m *Machine) handleVerseChanged(data json.RawMessage) {
	var p protocol.VerseChanged
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.CurrentVerse = p.Verse
	if p.CurrentReader != "" {
		m.st.CurrentReader = p.CurrentReader
		m.st.Queue = m.st.Queue.Remove(domain.ParticipantID(p.CurrentReader))
	}
	m.st.IsMyTurn = m.st.CurrentReader == m.opts.ParticipantID
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) handleReadingStarted(data json.RawMessage) {
	var p protocol.ReadingTurn
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.CurrentReader = p.ParticipantID
	m.st.IsMyTurn = p.ParticipantID == m.opts.ParticipantID
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) handleReadingFinished(data json.RawMessage) {
	var p protocol.ReadingTurn
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	if m.st.CurrentReader == p.ParticipantID {
		m.st.CurrentReader = ""
		m.st.IsMyTurn = false
	}
	m.st.Queue = m.st.Queue.Remove(domain.ParticipantID(p.ParticipantID))
	m.mu.Unlock()
	m.notify()
}

// handleQueueUpdated replaces the whole queue and reader: the latest
// full-state broadcast wins, which is what makes clients receiving
// events in different orders converge.
func (m *Machine) handleQueueUpdated(data json.RawMessage) {
	var p protocol.QueueUpdate
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.Queue = domain.QueueFromStrings(p.Queue)
	m.st.CurrentReader = p.CurrentReader
	m.st.IsMyTurn = p.CurrentReader == m.opts.ParticipantID
	m.mu.Unlock()
	m.notify()
}

// handleTimerUpdate reconciles against the authoritative remaining
// value; the local countdown is display-only between broadcasts.
func (m *Machine) handleTimerUpdate(data json.RawMessage) {
	var p protocol.SessionTimerUpdate
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.TimeRemaining = p.TimeRemaining
	m.st.TimerActive = p.IsActive
	m.st.TimerPaused = p.IsPaused
	m.st.lastTimerAt = time.Now()
	switch {
	case m.st.Phase == PhaseActive && p.IsActive && p.IsPaused:
		m.st.Phase = PhasePaused
	case m.st.Phase == PhasePaused && !p.IsPaused:
		m.st.Phase = PhaseActive
	}
	m.mu.Unlock()
	m.notify()
}

// handleSessionEnded is the only terminal transition.
func (m *Machine) handleSessionEnded(data json.RawMessage) {
	var p protocol.SessionEnded
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	m.st.Phase = PhaseEnded
	m.st.CurrentReader = ""
	m.st.IsMyTurn = false
	m.st.Queue = nil
	m.st.TimeRemaining = 0
	m.st.TimerActive = false
	m.mu.Unlock()
	m.notify()
	if m.opts.OnSessionEnded != nil {
		m.opts.OnSessionEnded(p.Reason)
	}
}

// handleError surfaces a transport error without touching local state.
func (m *Machine) handleError(data json.RawMessage) {
	var p protocol.Error
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	m.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("hub error event")
	if m.opts.OnError != nil {
		m.opts.OnError(&HubError{Message: p.Message, Code: p.Code})
	}
}

// HubError is an error event relayed from the hub.
type HubError struct {
	Message string
	Code    string
}

func (e *HubError) Error() string { return e.Message }

func (m *Machine) notify() {
	if m.opts.OnChange != nil {
		m.opts.OnChange(m.State())
	}
}
