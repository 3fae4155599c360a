package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// fakeSignaler loops emitted events back into registered handlers on
// demand and records everything emitted.
type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   int
	emitted  []emittedEvent
}

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

type emittedEvent struct {
	event   string
	payload any
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string][]handlerEntry)}
}

func (f *fakeSignaler) On(event string, fn func(data json.RawMessage)) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[event] = append(f.handlers[event], handlerEntry{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *fakeSignaler) Off(event string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handlers[event]
	for i, h := range hs {
		if h.id == id {
			f.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

func (f *fakeSignaler) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emittedEvent{event: event, payload: payload})
	return nil
}

// inject delivers an event to handlers as if it arrived from the hub.
func (f *fakeSignaler) inject(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	hs := append([]handlerEntry(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h.fn(data)
	}
}

func (f *fakeSignaler) emittedEvents(event string) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func newJoinedMachine(t *testing.T, sig *fakeSignaler) *Machine {
	t.Helper()
	m := NewMachine(Options{
		SessionID:       "s1",
		ParticipantID:   "alice",
		ParticipantName: "Alice",
		Signaler:        sig,
	})
	require.NoError(t, m.Join())
	sig.inject(t, protocol.EventSessionJoined, protocol.SessionJoined{
		SessionID:    "s1",
		Participants: []string{"alice", "bob"},
	})
	return m
}

func TestJoinEmitsAndActivatesOnRoster(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	require.Len(t, sig.emittedEvents(protocol.EventJoinSession), 1)

	st := m.State()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.ElementsMatch(t, []string{"alice", "bob"}, st.Participants)
}

func TestEventsForOtherSessionIgnored(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID: "other",
		Queue:     []string{"mallory"},
	})
	sig.inject(t, protocol.EventSessionEnded, protocol.SessionEnded{SessionID: "other"})

	st := m.State()
	assert.Empty(t, st.Queue)
	assert.Equal(t, PhaseActive, st.Phase)
}

func TestQueueUpdatedReplacesFullState(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     "s1",
		Queue:         []string{"bob", "carol"},
		CurrentReader: "alice",
	})

	st := m.State()
	assert.Equal(t, domain.ReadingQueue{"bob", "carol"}, st.Queue)
	assert.Equal(t, "alice", st.CurrentReader)
	assert.True(t, st.IsMyTurn)

	// The next full broadcast wins outright, regardless of what it
	// shares with the previous one.
	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     "s1",
		Queue:         []string{"carol"},
		CurrentReader: "bob",
	})

	st = m.State()
	assert.Equal(t, domain.ReadingQueue{"carol"}, st.Queue)
	assert.Equal(t, "bob", st.CurrentReader)
	assert.False(t, st.IsMyTurn)
}

func TestQueueConvergenceAcrossDeliveryOrders(t *testing.T) {
	a := protocol.QueueUpdate{SessionID: "s1", Queue: []string{"bob"}, CurrentReader: "alice"}
	b := protocol.QueueUpdate{SessionID: "s1", Queue: []string{"bob", "carol"}, CurrentReader: "alice"}

	sigLate := newFakeSignaler()
	mLate := newJoinedMachine(t, sigLate)
	sigLate.inject(t, protocol.EventQueueUpdated, a)
	sigLate.inject(t, protocol.EventQueueUpdated, b)

	sigEarly := newFakeSignaler()
	mEarly := newJoinedMachine(t, sigEarly)
	sigEarly.inject(t, protocol.EventQueueUpdated, b)

	// Both clients saw b last; intermediate states do not matter.
	assert.Equal(t, mLate.State().Queue, mEarly.State().Queue)
	assert.Equal(t, mLate.State().CurrentReader, mEarly.State().CurrentReader)
}

func TestVerseAndReaderApplyTogether(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventVerseChanged, protocol.VerseChanged{
		SessionID:     "s1",
		Verse:         &domain.Verse{Book: "bg", Chapter: 2, Verse: 13},
		CurrentReader: "alice",
	})

	st := m.State()
	require.NotNil(t, st.CurrentVerse)
	assert.Equal(t, 13, st.CurrentVerse.Verse)
	assert.Equal(t, "alice", st.CurrentReader)
	assert.True(t, st.IsMyTurn)

	// A verse change without a reader keeps the current one.
	sig.inject(t, protocol.EventVerseChanged, protocol.VerseChanged{
		SessionID: "s1",
		Verse:     &domain.Verse{Book: "bg", Chapter: 2, Verse: 14},
	})

	st = m.State()
	assert.Equal(t, 14, st.CurrentVerse.Verse)
	assert.Equal(t, "alice", st.CurrentReader)
}

func TestReadingActionsGatedOnTurn(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	assert.ErrorIs(t, m.FinishReading(), ErrNotYourTurn)
	assert.ErrorIs(t, m.SkipReading(), ErrNotYourTurn)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     "s1",
		CurrentReader: "bob",
	})
	assert.ErrorIs(t, m.StartReading(), ErrNotYourTurn)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     "s1",
		CurrentReader: "alice",
	})
	require.NoError(t, m.StartReading())
	require.NoError(t, m.FinishReading())
	assert.Len(t, sig.emittedEvents(protocol.EventStartReading), 1)
	assert.Len(t, sig.emittedEvents(protocol.EventFinishReading), 1)
}

func TestQueueActionsEmitFullQueue(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID: "s1",
		Queue:     []string{"bob"},
	})

	require.NoError(t, m.AddToQueue("carol"))
	updates := sig.emittedEvents(protocol.EventReadingQueueUpdate)
	require.Len(t, updates, 1)
	sent := updates[0].payload.(protocol.QueueUpdate)
	assert.Equal(t, []string{"bob", "carol"}, sent.Queue)

	require.NoError(t, m.RemoveFromQueue("bob"))
	updates = sig.emittedEvents(protocol.EventReadingQueueUpdate)
	sent = updates[len(updates)-1].payload.(protocol.QueueUpdate)
	assert.Equal(t, []string{"carol"}, sent.Queue)
}

func TestQueueHelpers(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID: "s1",
		Queue:     []string{"bob", "alice"},
	})

	assert.True(t, m.IsInQueue("alice"))
	assert.Equal(t, 2, m.GetQueuePosition("alice"))
	assert.Equal(t, 0, m.GetQueuePosition("carol"))
}

func TestTimerReconciliation(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventSessionTimerUpdate, protocol.SessionTimerUpdate{
		SessionID:     "s1",
		TimeRemaining: 40,
		IsActive:      true,
	})

	st := m.State()
	// Immediately after the broadcast the display matches it.
	got := st.DisplayRemaining(time.Now())
	assert.InDelta(t, 40, got, 1)

	// Far past the last broadcast the display clamps at zero instead of
	// going negative.
	assert.Equal(t, 0, st.DisplayRemaining(time.Now().Add(2*time.Minute)))
}

func TestTimerPauseMapsToPhasePaused(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventSessionTimerUpdate, protocol.SessionTimerUpdate{
		SessionID:     "s1",
		TimeRemaining: 30,
		IsActive:      true,
		IsPaused:      true,
	})
	assert.Equal(t, PhasePaused, m.State().Phase)

	sig.inject(t, protocol.EventSessionTimerUpdate, protocol.SessionTimerUpdate{
		SessionID:     "s1",
		TimeRemaining: 30,
		IsActive:      true,
	})
	assert.Equal(t, PhaseActive, m.State().Phase)
}

func TestTimerZeroIsNotTerminal(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventSessionTimerUpdate, protocol.SessionTimerUpdate{
		SessionID:     "s1",
		TimeRemaining: 0,
		IsActive:      false,
	})

	st := m.State()
	assert.Equal(t, PhaseActive, st.Phase, "a finished timer never ends the session")
}

func TestSessionEndedIsTerminal(t *testing.T) {
	sig := newFakeSignaler()
	var endedReason string
	m := NewMachine(Options{
		SessionID:     "s1",
		ParticipantID: "alice",
		Signaler:      sig,
		OnSessionEnded: func(reason string) {
			endedReason = reason
		},
	})
	require.NoError(t, m.Join())
	sig.inject(t, protocol.EventSessionJoined, protocol.SessionJoined{
		SessionID:    "s1",
		Participants: []string{"alice"},
	})

	sig.inject(t, protocol.EventSessionEnded, protocol.SessionEnded{
		SessionID: "s1",
		Reason:    "completed",
	})

	assert.Equal(t, PhaseEnded, m.State().Phase)
	assert.Equal(t, "completed", endedReason)

	assert.ErrorIs(t, m.StartTimer(time.Minute), ErrSessionEnded)
	assert.ErrorIs(t, m.AddToQueue("bob"), ErrSessionEnded)
}

func TestParticipantLeftPrunesQueueAndReader(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     "s1",
		Queue:         []string{"bob"},
		CurrentReader: "carol",
	})
	sig.inject(t, protocol.EventParticipantLeft, protocol.ParticipantLeft{
		SessionID:     "s1",
		ParticipantID: "carol",
	})

	st := m.State()
	assert.Empty(t, st.CurrentReader)
	assert.Equal(t, domain.ReadingQueue{"bob"}, st.Queue)
	assert.NotContains(t, st.Participants, "carol")
}

func TestVerseNavigation(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	// No verse yet: navigation is a no-op, not an error.
	require.NoError(t, m.NextVerse())
	assert.Empty(t, sig.emittedEvents(protocol.EventVerseChanged))

	sig.inject(t, protocol.EventVerseChanged, protocol.VerseChanged{
		SessionID: "s1",
		Verse:     &domain.Verse{Book: "bg", Chapter: 2, Verse: 13},
	})
	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID: "s1",
		Queue:     []string{"bob"},
	})

	require.NoError(t, m.NextVerse())
	evs := sig.emittedEvents(protocol.EventVerseChanged)
	require.Len(t, evs, 1)
	sent := evs[0].payload.(protocol.VerseChanged)
	assert.Equal(t, 14, sent.Verse.Verse)
	assert.Equal(t, "bob", sent.CurrentReader, "head of queue becomes the designated reader")

	require.NoError(t, m.PreviousVerse())
	evs = sig.emittedEvents(protocol.EventVerseChanged)
	require.Len(t, evs, 2)
	sent = evs[1].payload.(protocol.VerseChanged)
	assert.Equal(t, 12, sent.Verse.Verse)
	assert.Empty(t, sent.CurrentReader)
}

func TestLeaveIsIdempotent(t *testing.T) {
	sig := newFakeSignaler()
	m := newJoinedMachine(t, sig)

	require.NoError(t, m.Leave())
	require.NoError(t, m.Leave())
	assert.Len(t, sig.emittedEvents(protocol.EventLeaveSession), 2)

	// Handlers are gone: later events no longer mutate state.
	sig.inject(t, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID: "s1",
		Queue:     []string{"bob"},
	})
	assert.Empty(t, m.State().Queue)
}
