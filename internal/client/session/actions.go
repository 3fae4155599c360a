package session

import (
	"errors"
	"time"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

var (
	// ErrNotYourTurn rejects a reading action locally before it ever
	// reaches the hub. The hub verifies again on its side.
	ErrNotYourTurn = errors.New("session: not the current reader")
	// ErrSessionEnded rejects actions after the terminal transition.
	ErrSessionEnded = errors.New("session: session has ended")
)

func (m *Machine) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Phase == PhaseEnded {
		return ErrSessionEnded
	}
	return nil
}

// StartReading claims the turn. Allowed when unclaimed or already ours.
func (m *Machine) StartReading() error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.st.CurrentReader != "" && m.st.CurrentReader != m.opts.ParticipantID {
		m.mu.Unlock()
		return ErrNotYourTurn
	}
	m.mu.Unlock()
	return m.opts.Signaler.Emit(protocol.EventStartReading, protocol.ReadingTurn{
		SessionID:     m.opts.SessionID,
		ParticipantID: m.opts.ParticipantID,
	})
}

// FinishReading yields the turn so the hub can advance the queue.
func (m *Machine) FinishReading() error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.st.CurrentReader != m.opts.ParticipantID {
		m.mu.Unlock()
		return ErrNotYourTurn
	}
	m.mu.Unlock()
	return m.opts.Signaler.Emit(protocol.EventFinishReading, protocol.ReadingTurn{
		SessionID:     m.opts.SessionID,
		ParticipantID: m.opts.ParticipantID,
	})
}

// SkipReading passes the turn without reading.
func (m *Machine) SkipReading() error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.st.CurrentReader != m.opts.ParticipantID {
		m.mu.Unlock()
		return ErrNotYourTurn
	}
	m.mu.Unlock()
	return m.opts.Signaler.Emit(protocol.EventSkipReading, protocol.ReadingTurn{
		SessionID:     m.opts.SessionID,
		ParticipantID: m.opts.ParticipantID,
	})
}

// AddToQueue appends a participant and broadcasts the full queue.
func (m *Machine) AddToQueue(participantID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	next := m.st.Queue.Add(domain.ParticipantID(participantID))
	reader := m.st.CurrentReader
	m.mu.Unlock()
	return m.emitQueue(next, reader)
}

// RemoveFromQueue drops a participant and broadcasts the full queue.
func (m *Machine) RemoveFromQueue(participantID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	next := m.st.Queue.Remove(domain.ParticipantID(participantID))
	reader := m.st.CurrentReader
	m.mu.Unlock()
	return m.emitQueue(next, reader)
}

// ClearQueue empties the queue for everyone.
func (m *Machine) ClearQueue() error {
	if err := m.guard(); err != nil {
		return err
	}
	m.mu.Lock()
	reader := m.st.CurrentReader
	m.mu.Unlock()
	return m.emitQueue(nil, reader)
}

func (m *Machine) emitQueue(q domain.ReadingQueue, reader string) error {
	return m.opts.Signaler.Emit(protocol.EventReadingQueueUpdate, protocol.QueueUpdate{
		SessionID:     m.opts.SessionID,
		Queue:         q.Strings(),
		CurrentReader: reader,
	})
}

// IsInQueue reports whether a participant is waiting for a turn.
func (m *Machine) IsInQueue(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Queue.Contains(domain.ParticipantID(participantID))
}

// GetQueuePosition reports the 1-based position, 0 when absent.
func (m *Machine) GetQueuePosition(participantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Queue.Position(domain.ParticipantID(participantID))
}

// StartTimer asks the hub to run the shared countdown.
func (m *Machine) StartTimer(duration time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.opts.Signaler.Emit(protocol.EventStartSessionTimer, protocol.StartSessionTimer{
		SessionID: m.opts.SessionID,
		Duration:  int(duration.Seconds()),
	})
}

func (m *Machine) PauseTimer() error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.opts.Signaler.Emit(protocol.EventPauseSessionTimer, protocol.SessionTimerControl{
		SessionID: m.opts.SessionID,
	})
}

func (m *Machine) ResumeTimer() error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.opts.Signaler.Emit(protocol.EventResumeSessionTimer, protocol.SessionTimerControl{
		SessionID: m.opts.SessionID,
	})
}

// EndSession tears the session down for every participant.
func (m *Machine) EndSession(reason string) error {
	return m.opts.Signaler.Emit(protocol.EventSessionEnded, protocol.SessionEnded{
		SessionID: m.opts.SessionID,
		Reason:    reason,
	})
}

// ChangeVerse broadcasts a new verse, optionally handing the turn to a
// designated reader in the same event so the pair applies atomically.
func (m *Machine) ChangeVerse(verse *domain.Verse, reader string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.opts.Signaler.Emit(protocol.EventVerseChanged, protocol.VerseChanged{
		SessionID:     m.opts.SessionID,
		Verse:         verse,
		CurrentReader: reader,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// NextVerse advances the verse number, handing the turn to the head of
// the queue when one is waiting.
func (m *Machine) NextVerse() error {
	m.mu.Lock()
	if m.st.CurrentVerse == nil {
		m.mu.Unlock()
		return nil
	}
	v := *m.st.CurrentVerse
	v.Verse++
	var reader string
	if len(m.st.Queue) > 0 {
		reader = string(m.st.Queue[0])
	}
	m.mu.Unlock()
	return m.ChangeVerse(&v, reader)
}

// PreviousVerse steps back one verse without touching the turn.
func (m *Machine) PreviousVerse() error {
	m.mu.Lock()
	if m.st.CurrentVerse == nil || m.st.CurrentVerse.Verse <= 1 {
		m.mu.Unlock()
		return nil
	}
	v := *m.st.CurrentVerse
	v.Verse--
	m.mu.Unlock()
	return m.ChangeVerse(&v, "")
}
