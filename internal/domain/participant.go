// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen   = 36
	MaxParticipantNameLen = 64
)

var (
	ErrNameTooLong = errors.New("participant name too long")
	ErrNameEmpty   = errors.New("participant name empty")
)

type ParticipantID string

// ConnectionState mirrors the underlying peer transport's lifecycle.
// Values match what the transport reports; we never invent transitions.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// PeerState tracks where a pairwise negotiation currently stands.
type PeerState string

const (
	PeerIdle         PeerState = "idle"
	PeerOffering     PeerState = "offering"
	PeerAnswering    PeerState = "answering"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerError        PeerState = "error"
)

// Participant is one connected client as seen by the session.
// The ID is stable across reconnects within a session.
type Participant struct {
	ID            ParticipantID   `json:"id"`
	Name          string          `json:"name"`
	Muted         bool            `json:"muted"`
	VideoOn       bool            `json:"videoOn"`
	ScreenSharing bool            `json:"screenSharing"`
	Connection    ConnectionState `json:"connectionState"`
	Peer          PeerState       `json:"peerState"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(name string) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxParticipantNameLen {
		return nil, ErrNameTooLong
	}
	return &Participant{
		ID:         ParticipantID(uuid.NewString()),
		Name:       name,
		VideoOn:    true,
		Connection: ConnectionNew,
		Peer:       PeerIdle,
	}, nil
}

func (p *Participant) SetName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxParticipantNameLen {
		return ErrNameTooLong
	}
	p.Name = name
	return nil
}
