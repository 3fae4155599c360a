package hub

import (
	"sync/atomic"
	"time"
)

// Metrics tracks hub throughput and room population for the health
// surface. All counters are atomics; no locks on the hot path.
type Metrics struct {
	activeRooms        int64
	activeParticipants int64
	messagesReceived   int64
	messagesSent       int64
	broadcastErrors    int64
	startTime          time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncRooms() { atomic.AddInt64(&m.activeRooms, 1) }
func (m *Metrics) DecRooms() { atomic.AddInt64(&m.activeRooms, -1) }

func (m *Metrics) SetParticipants(n int) {
	atomic.StoreInt64(&m.activeParticipants, int64(n))
}

func (m *Metrics) IncMessagesReceived() { atomic.AddInt64(&m.messagesReceived, 1) }
func (m *Metrics) IncMessagesSent()     { atomic.AddInt64(&m.messagesSent, 1) }
func (m *Metrics) IncBroadcastErrors()  { atomic.AddInt64(&m.broadcastErrors, 1) }

type MetricsSnapshot struct {
	ActiveRooms        int64  `json:"activeRooms"`
	ActiveParticipants int64  `json:"activeParticipants"`
	MessagesReceived   int64  `json:"messagesReceived"`
	MessagesSent       int64  `json:"messagesSent"`
	BroadcastErrors    int64  `json:"broadcastErrors"`
	UptimeSeconds      int64  `json:"uptimeSeconds"`
	StartedAt          string `json:"startedAt"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ActiveRooms:        atomic.LoadInt64(&m.activeRooms),
		ActiveParticipants: atomic.LoadInt64(&m.activeParticipants),
		MessagesReceived:   atomic.LoadInt64(&m.messagesReceived),
		MessagesSent:       atomic.LoadInt64(&m.messagesSent),
		BroadcastErrors:    atomic.LoadInt64(&m.broadcastErrors),
		UptimeSeconds:      int64(time.Since(m.startTime) / time.Second),
		StartedAt:          m.startTime.UTC().Format(time.RFC3339),
	}
}
