// Package protocol defines the wire catalogue shared by the hub and
// clients: event names, one fixed payload shape per event, and the
// envelope that carries them. Receivers dispatch on the event name and
// unmarshal into the matching struct; there is no field probing.
package protocol

// Client -> hub events.
const (
	EventJoinSession  = "join-session"
	EventLeaveSession = "leave-session"

	EventStartReading  = "start-reading"
	EventFinishReading = "finish-reading"
	EventSkipReading   = "skip-reading"

	EventVerseChanged       = "verse-changed"
	EventReadingQueueUpdate = "reading-queue-update"

	EventStartSessionTimer  = "start-session-timer"
	EventPauseSessionTimer  = "pause-session-timer"
	EventResumeSessionTimer = "resume-session-timer"

	EventSessionEnded = "session-ended"
)

// Hub -> client events.
const (
	EventSessionJoined      = "session-joined"
	EventParticipantJoined  = "participant-joined"
	EventParticipantLeft    = "participant-left"
	EventReadingStarted     = "reading-started"
	EventReadingFinished    = "reading-finished"
	EventQueueUpdated       = "queue-updated"
	EventSessionTimerUpdate = "session-timer-update"
	EventError              = "error"
)

// Relayed verbatim between clients; the hub routes by (sessionId, to)
// and never inspects the payload.
const (
	EventWebRTCOffer        = "webrtc-offer"
	EventWebRTCAnswer       = "webrtc-answer"
	EventWebRTCICECandidate = "webrtc-ice-candidate"
)

// Known returns whether ev belongs to the catalogue. Unknown events are
// dropped at the point of application, never treated as fatal.
func Known(ev string) bool {
	switch ev {
	case EventJoinSession, EventLeaveSession,
		EventStartReading, EventFinishReading, EventSkipReading,
		EventVerseChanged, EventReadingQueueUpdate,
		EventStartSessionTimer, EventPauseSessionTimer, EventResumeSessionTimer,
		EventSessionEnded,
		EventSessionJoined, EventParticipantJoined, EventParticipantLeft,
		EventReadingStarted, EventReadingFinished,
		EventQueueUpdated, EventSessionTimerUpdate, EventError,
		EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICECandidate:
		return true
	}
	return false
}
