package protocol

import (
	"encoding/json"
	"errors"
)

var (
	ErrBadEnvelope  = errors.New("protocol: malformed envelope")
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

// Envelope is the outer wire frame. Data holds the event-specific payload
// and is unmarshalled only after dispatch on Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps payload into an envelope frame ready for the socket.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a frame into an envelope. Unknown events are reported so
// the caller can drop them without tearing anything down.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.Join(ErrBadEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrBadEnvelope
	}
	if !Known(env.Event) {
		return env, ErrUnknownEvent
	}
	return env, nil
}
