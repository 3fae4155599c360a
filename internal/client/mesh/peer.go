package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
)

// peerRecord is the client-local state for one remote participant:
// the underlying peer transport, negotiation role, and candidates that
// arrived before their offer/answer. Exclusively owned by the Manager.
type peerRecord struct {
	id domain.ParticipantID
	pc *webrtc.PeerConnection

	peerState domain.PeerState

	// Relay ordering between message kinds is not guaranteed: an ICE
	// candidate can outrun the offer it belongs to. Such candidates are
	// parked here and flushed once the remote description is applied.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	videoSenders []*webrtc.RTPSender
}

// addCandidate applies the candidate now or parks it for later.
func (p *peerRecord) addCandidate(c webrtc.ICECandidateInit) error {
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

// flushPending applies parked candidates after SetRemoteDescription.
// A single bad candidate is skipped, not fatal to the record.
func (p *peerRecord) flushPending() []error {
	var errs []error
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	p.pending = nil
	return errs
}

func (p *peerRecord) close() {
	if p.pc != nil {
		_ = p.pc.Close()
	}
}
