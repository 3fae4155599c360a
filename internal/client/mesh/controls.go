package mesh

import (
	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// ToggleMute flips audio enablement and mirrors it into this client's
// own participant record. Track enablement needs no renegotiation.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	m.muted = !m.muted
	muted := m.muted
	if p, ok := m.participants[domain.ParticipantID(m.opts.ParticipantID)]; ok {
		p.Muted = muted
	}
	m.mu.Unlock()

	m.opts.Media.SetAudioEnabled(!muted)
	return muted
}

// ToggleVideo mirrors ToggleMute for the camera track.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	m.videoOn = !m.videoOn
	on := m.videoOn
	if p, ok := m.participants[domain.ParticipantID(m.opts.ParticipantID)]; ok {
		p.VideoOn = on
	}
	m.mu.Unlock()

	m.opts.Media.SetVideoEnabled(on)
	return on
}

// StartScreenShare captures a display track and swaps it into the
// outgoing video sender on every existing peer link in place, without
// renegotiation. Permission denial is normal user choice, reported
// softly.
func (m *Manager) StartScreenShare() error {
	track, err := m.opts.Media.ScreenTrack(func() {
		// OS-level share ended out-of-band; never leave a stale
		// "sharing" state behind.
		m.StopScreenShare()
	})
	if err != nil {
		m.softError(err)
		return err
	}

	m.mu.Lock()
	m.screenTrack = track
	m.screenShare = true
	if p, ok := m.participants[domain.ParticipantID(m.opts.ParticipantID)]; ok {
		p.ScreenSharing = true
	}
	records := m.peerRecordsLocked()
	m.mu.Unlock()

	for _, rec := range records {
		for _, sender := range rec.videoSenders {
			if err := sender.ReplaceTrack(track); err != nil {
				m.logger.Error().Err(err).Str("peer", string(rec.id)).Msg("replace track for screen share")
			}
		}
	}
	return nil
}

// StopScreenShare reverts every peer link to the camera track. Safe to
// call when not sharing.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	if !m.screenShare {
		m.mu.Unlock()
		return
	}
	m.screenShare = false
	m.screenTrack = nil
	camera := m.videoTrack
	if p, ok := m.participants[domain.ParticipantID(m.opts.ParticipantID)]; ok {
		p.ScreenSharing = false
	}
	records := m.peerRecordsLocked()
	m.mu.Unlock()

	if camera == nil {
		return
	}
	for _, rec := range records {
		for _, sender := range rec.videoSenders {
			if err := sender.ReplaceTrack(camera); err != nil {
				m.logger.Error().Err(err).Str("peer", string(rec.id)).Msg("restore camera track")
			}
		}
	}
}

// LeaveSession releases every local resource on every exit path: stops
// capture, closes all peer records, clears state, emits leave. Safe to
// call multiple times and on teardown.
func (m *Manager) LeaveSession() {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.joined = false
	m.screenShare = false
	m.screenTrack = nil
	m.audioTrack = nil
	m.videoTrack = nil
	records := m.peerRecordsLocked()
	m.peers = make(map[domain.ParticipantID]*peerRecord)
	m.participants = make(map[domain.ParticipantID]*domain.Participant)
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	m.opts.Media.Close()
	for _, rec := range records {
		rec.close()
	}
	for _, s := range subs {
		m.opts.Signaler.Off(s.event, s.id)
	}

	if err := m.opts.Signaler.Emit(protocol.EventLeaveSession, protocol.LeaveSession{
		SessionID:     m.opts.SessionID,
		ParticipantID: m.opts.ParticipantID,
	}); err != nil {
		m.logger.Debug().Err(err).Msg("leave emit failed")
	}
}

func (m *Manager) peerRecordsLocked() []*peerRecord {
	out := make([]*peerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, rec)
	}
	return out
}

// Participant returns a copy of one participant's state.
func (m *Manager) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Participants snapshots the whole roster, self included.
func (m *Manager) Participants() []domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	return out
}

func (m *Manager) IsMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Manager) IsVideoOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *Manager) IsScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenShare
}
