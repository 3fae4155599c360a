// Package mesh turns a room roster into a full mesh of direct media
// links, one per remote participant, relayed through the hub only for
// negotiation metadata. Each peer link fails independently; one bad
// link never degrades the rest of the room.
package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// Signaler is the slice of the transport client the mesh needs.
type Signaler interface {
	On(event string, fn func(data json.RawMessage)) int
	Off(event string, id int)
	Emit(event string, payload any) error
}

func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type Options struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Signaler        Signaler
	Media           MediaSource
	Logger          *zerolog.Logger
	RTCConfig       webrtc.Configuration

	// OnPeerState observes per-participant connection transitions so the
	// UI can render per-tile badges. Never called for room-wide events.
	OnPeerState func(id domain.ParticipantID, state domain.ConnectionState)
	OnError     func(error)
}

type subscription struct {
	event string
	id    int
}

// Manager owns the peer records and the local media state for one
// client. All methods are safe for concurrent use.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu           sync.Mutex
	joined       bool
	muted        bool
	videoOn      bool
	screenShare  bool
	audioTrack   webrtc.TrackLocal
	videoTrack   webrtc.TrackLocal
	screenTrack  webrtc.TrackLocal
	peers        map[domain.ParticipantID]*peerRecord
	participants map[domain.ParticipantID]*domain.Participant
	subs         []subscription
}

func NewManager(opts Options) *Manager {
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "peer-mesh").Logger()
	} else {
		logger = zerolog.Nop()
	}
	if opts.RTCConfig.ICEServers == nil {
		opts.RTCConfig = DefaultRTCConfig()
	}
	return &Manager{
		opts:         opts,
		logger:       logger,
		peers:        make(map[domain.ParticipantID]*peerRecord),
		participants: make(map[domain.ParticipantID]*domain.Participant),
	}
}

// JoinSession acquires local media and announces this client to the
// room. Media acquisition failure is soft: the participant stays in the
// room audio/video-off.
func (m *Manager) JoinSession() error {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return nil
	}
	m.joined = true

	audio, aErr := m.opts.Media.AudioTrack()
	video, vErr := m.opts.Media.VideoTrack()
	m.audioTrack, m.videoTrack = audio, video
	m.videoOn = vErr == nil

	self := &domain.Participant{
		ID:         domain.ParticipantID(m.opts.ParticipantID),
		Name:       m.opts.ParticipantName,
		VideoOn:    vErr == nil,
		Muted:      aErr != nil,
		Connection: domain.ConnectionConnected,
		Peer:       domain.PeerConnected,
	}
	m.participants[self.ID] = self
	m.mu.Unlock()

	if aErr != nil {
		m.softError(fmt.Errorf("mesh: audio capture unavailable: %w", aErr))
	}
	if vErr != nil {
		m.softError(fmt.Errorf("mesh: video capture unavailable: %w", vErr))
	}

	m.subscribe()

	return m.opts.Signaler.Emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionID:       m.opts.SessionID,
		ParticipantID:   m.opts.ParticipantID,
		ParticipantName: m.opts.ParticipantName,
	})
}

func (m *Manager) subscribe() {
	sub := func(event string, fn func(json.RawMessage)) {
		id := m.opts.Signaler.On(event, fn)
		m.mu.Lock()
		m.subs = append(m.subs, subscription{event: event, id: id})
		m.mu.Unlock()
	}
	sub(protocol.EventSessionJoined, m.handleSessionJoined)
	sub(protocol.EventParticipantJoined, m.handleParticipantJoined)
	sub(protocol.EventParticipantLeft, m.handleParticipantLeft)
	sub(protocol.EventWebRTCOffer, m.handleOffer)
	sub(protocol.EventWebRTCAnswer, m.handleAnswer)
	sub(protocol.EventWebRTCICECandidate, m.handleCandidate)
	sub(protocol.EventSessionEnded, m.handleSessionEnded)
}

// handleSessionJoined records the roster. The newcomer never initiates:
// existing members offer, the newcomer only answers. Sufficient glare
// avoidance for pairwise joins at target room sizes.
func (m *Manager) handleSessionJoined(data json.RawMessage) {
	var p protocol.SessionJoined
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.mu.Lock()
	for _, id := range p.Participants {
		pid := domain.ParticipantID(id)
		if string(pid) == m.opts.ParticipantID {
			continue
		}
		if _, ok := m.participants[pid]; !ok {
			m.participants[pid] = &domain.Participant{
				ID:         pid,
				VideoOn:    true,
				Connection: domain.ConnectionNew,
				Peer:       domain.PeerIdle,
			}
		}
	}
	m.mu.Unlock()
}

// handleParticipantJoined fires on the members that were already in the
// room; they hold local media and therefore create the offer, unicast
// to the newcomer.
func (m *Manager) handleParticipantJoined(data json.RawMessage) {
	var p protocol.ParticipantJoined
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	if p.ParticipantID == m.opts.ParticipantID {
		return
	}
	pid := domain.ParticipantID(p.ParticipantID)

	m.mu.Lock()
	if _, ok := m.participants[pid]; !ok {
		m.participants[pid] = &domain.Participant{
			ID:         pid,
			Name:       p.ParticipantName,
			VideoOn:    true,
			Connection: domain.ConnectionNew,
			Peer:       domain.PeerIdle,
		}
	}
	m.mu.Unlock()

	if err := m.createOffer(pid); err != nil {
		m.peerFailed(pid, err)
	}
}

func (m *Manager) handleParticipantLeft(data json.RawMessage) {
	var p protocol.ParticipantLeft
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	pid := domain.ParticipantID(p.ParticipantID)

	m.mu.Lock()
	rec := m.peers[pid]
	delete(m.peers, pid)
	delete(m.participants, pid)
	m.mu.Unlock()

	if rec != nil {
		rec.close()
	}
}

func (m *Manager) handleSessionEnded(data json.RawMessage) {
	var p protocol.SessionEnded
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID != m.opts.SessionID {
		return
	}
	m.LeaveSession()
}

// newPeerRecord builds the peer connection for one remote participant,
// attaching whatever local tracks exist and wiring state mirroring.
// Caller must hold mu.
func (m *Manager) newPeerRecordLocked(pid domain.ParticipantID) (*peerRecord, error) {
	pc, err := webrtc.NewPeerConnection(m.opts.RTCConfig)
	if err != nil {
		return nil, err
	}
	rec := &peerRecord{id: pid, pc: pc, peerState: domain.PeerIdle}

	if m.audioTrack != nil {
		if _, err := pc.AddTrack(m.audioTrack); err != nil {
			m.logger.Error().Err(err).Str("peer", string(pid)).Msg("add audio track")
		}
	}
	outgoing := m.videoTrack
	if m.screenShare && m.screenTrack != nil {
		outgoing = m.screenTrack
	}
	if outgoing != nil {
		sender, err := pc.AddTrack(outgoing)
		if err != nil {
			m.logger.Error().Err(err).Str("peer", string(pid)).Msg("add video track")
		} else {
			rec.videoSenders = append(rec.videoSenders, sender)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		m.sendSignal(protocol.EventWebRTCICECandidate, string(pid), cand.ToJSON())
	})

	// The transport's own notifications drive the state machine; the
	// manager only mirrors them.
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.mirrorConnectionState(pid, s)
	})

	m.peers[pid] = rec
	return rec, nil
}

func (m *Manager) mirrorConnectionState(pid domain.ParticipantID, s webrtc.PeerConnectionState) {
	state := connectionStateOf(s)

	m.mu.Lock()
	if p, ok := m.participants[pid]; ok {
		p.Connection = state
		switch state {
		case domain.ConnectionConnected:
			p.Peer = domain.PeerConnected
		case domain.ConnectionDisconnected:
			p.Peer = domain.PeerDisconnected
		case domain.ConnectionFailed:
			p.Peer = domain.PeerError
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("peer", string(pid)).Str("state", string(state)).Msg("peer connection state")
	if m.opts.OnPeerState != nil {
		m.opts.OnPeerState(pid, state)
	}
}

func connectionStateOf(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	default:
		return domain.ConnectionClosed
	}
}

func (m *Manager) createOffer(pid domain.ParticipantID) error {
	m.mu.Lock()
	rec, ok := m.peers[pid]
	if !ok {
		var err error
		rec, err = m.newPeerRecordLocked(pid)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}
	rec.peerState = domain.PeerOffering
	pc := rec.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return m.sendSignal(protocol.EventWebRTCOffer, string(pid), offer)
}

func (m *Manager) handleOffer(data json.RawMessage) {
	msg, ok := m.decodeSignal(data)
	if !ok {
		return
	}
	pid := domain.ParticipantID(msg.From)

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &offer); err != nil {
		m.peerFailed(pid, err)
		return
	}

	m.mu.Lock()
	rec, exists := m.peers[pid]
	if !exists {
		var err error
		rec, err = m.newPeerRecordLocked(pid)
		if err != nil {
			m.mu.Unlock()
			m.peerFailed(pid, err)
			return
		}
	}
	rec.peerState = domain.PeerAnswering
	pc := rec.pc
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		m.peerFailed(pid, err)
		return
	}
	m.markRemoteSet(pid)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.peerFailed(pid, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.peerFailed(pid, err)
		return
	}
	if err := m.sendSignal(protocol.EventWebRTCAnswer, msg.From, answer); err != nil {
		m.peerFailed(pid, err)
	}
}

func (m *Manager) handleAnswer(data json.RawMessage) {
	msg, ok := m.decodeSignal(data)
	if !ok {
		return
	}
	pid := domain.ParticipantID(msg.From)

	m.mu.Lock()
	rec, exists := m.peers[pid]
	offering := exists && rec.peerState == domain.PeerOffering
	m.mu.Unlock()
	if !offering {
		// An answer for a record we never offered on; stale or glare.
		m.logger.Debug().Str("peer", string(pid)).Msg("unexpected answer dropped")
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &answer); err != nil {
		m.peerFailed(pid, err)
		return
	}
	if err := rec.pc.SetRemoteDescription(answer); err != nil {
		m.peerFailed(pid, err)
		return
	}
	m.markRemoteSet(pid)
}

func (m *Manager) handleCandidate(data json.RawMessage) {
	msg, ok := m.decodeSignal(data)
	if !ok {
		return
	}
	pid := domain.ParticipantID(msg.From)

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Data, &cand); err != nil {
		return
	}

	m.mu.Lock()
	rec, exists := m.peers[pid]
	if !exists {
		// Candidate outran the offer; create the record so it can queue.
		var err error
		rec, err = m.newPeerRecordLocked(pid)
		if err != nil {
			m.mu.Unlock()
			m.peerFailed(pid, err)
			return
		}
	}
	err := rec.addCandidate(cand)
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Str("peer", string(pid)).Msg("add ice candidate")
	}
}

// markRemoteSet flips the record to accepting candidates directly and
// flushes anything parked while the description was missing.
func (m *Manager) markRemoteSet(pid domain.ParticipantID) {
	m.mu.Lock()
	rec, ok := m.peers[pid]
	var errs []error
	if ok {
		rec.remoteSet = true
		errs = rec.flushPending()
	}
	m.mu.Unlock()
	for _, err := range errs {
		m.logger.Debug().Err(err).Str("peer", string(pid)).Msg("flush pending candidate")
	}
}

func (m *Manager) decodeSignal(data json.RawMessage) (protocol.SignalingMessage, bool) {
	var msg protocol.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, false
	}
	if msg.SessionID != m.opts.SessionID || msg.From == m.opts.ParticipantID || msg.From == "" {
		return msg, false
	}
	return msg, true
}

func (m *Manager) sendSignal(event, to string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.opts.Signaler.Emit(event, protocol.SignalingMessage{
		SessionID: m.opts.SessionID,
		From:      m.opts.ParticipantID,
		To:        to,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// peerFailed isolates a negotiation failure to one record and surfaces
// it per-participant.
func (m *Manager) peerFailed(pid domain.ParticipantID, err error) {
	m.mu.Lock()
	if rec, ok := m.peers[pid]; ok {
		rec.peerState = domain.PeerError
	}
	if p, ok := m.participants[pid]; ok {
		p.Connection = domain.ConnectionFailed
		p.Peer = domain.PeerError
	}
	m.mu.Unlock()

	m.logger.Error().Err(err).Str("peer", string(pid)).Msg("peer negotiation failed")
	if m.opts.OnPeerState != nil {
		m.opts.OnPeerState(pid, domain.ConnectionFailed)
	}
}

func (m *Manager) softError(err error) {
	m.logger.Warn().Err(err).Msg("non-fatal media error")
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}
