package protocol

import (
	"encoding/json"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

type JoinSession struct {
	SessionID       string `json:"sessionId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
}

type LeaveSession struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

// SessionJoined carries the full current roster to the joiner.
type SessionJoined struct {
	SessionID    string   `json:"sessionId"`
	Participants []string `json:"participants"`
}

type ParticipantJoined struct {
	SessionID       string `json:"sessionId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName,omitempty"`
}

type ParticipantLeft struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

// SignalingMessage is the opaque negotiation envelope. An empty To means
// broadcast to the room. The hub only ever reads SessionID and To.
type SignalingMessage struct {
	SessionID string          `json:"sessionId"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// VerseChanged replaces verse and reader in one atomic broadcast so no
// client ever shows a reader paired with a stale verse.
type VerseChanged struct {
	SessionID     string        `json:"sessionId"`
	Verse         *domain.Verse `json:"verse"`
	CurrentReader string        `json:"currentReader,omitempty"`
	Timestamp     int64         `json:"timestamp,omitempty"`
}

// QueueUpdate always carries the full resulting queue, never a delta,
// so clients applying updates in different orders still converge.
type QueueUpdate struct {
	SessionID     string   `json:"sessionId"`
	Queue         []string `json:"queue"`
	CurrentReader string   `json:"currentReader,omitempty"`
}

type ReadingTurn struct {
	SessionID     string        `json:"sessionId"`
	ParticipantID string        `json:"participantId"`
	Verse         *domain.Verse `json:"verse,omitempty"`
}

type StartSessionTimer struct {
	SessionID string `json:"sessionId"`
	Duration  int    `json:"duration"` // seconds
}

type SessionTimerControl struct {
	SessionID string `json:"sessionId"`
}

type SessionTimerUpdate struct {
	SessionID     string `json:"sessionId"`
	TimeRemaining int    `json:"timeRemaining"`
	IsActive      bool   `json:"isActive"`
	IsPaused      bool   `json:"isPaused,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
