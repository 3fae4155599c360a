package hub

import (
	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

// BroadcastRoomState fans a state-carrying event out to every member of
// the room, sender included. Delivery is best-effort: every such event
// carries full state, so a dropped frame is healed by the next one.
func (h *Hub) BroadcastRoomState(sid domain.SessionID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	h.mu.RLock()
	targets := h.sendersLocked(sid, "")
	h.mu.RUnlock()

	h.deliver(targets, frame)
}

// fanOut delivers to every room member except the sender.
func (h *Hub) fanOut(sid domain.SessionID, except domain.ParticipantID, frame []byte) {
	h.mu.RLock()
	targets := h.sendersLocked(sid, except)
	h.mu.RUnlock()

	h.deliver(targets, frame)
}

// broadcastExcept is fanOut with payload encoding.
func (h *Hub) broadcastExcept(sid domain.SessionID, except domain.ParticipantID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	h.fanOut(sid, except, frame)
}

// unicast delivers to one participant's current connection. A message to
// a participant with no live connection is silently dropped; senders
// recover via renegotiation, not hub-level guaranteed delivery.
func (h *Hub) unicast(sid domain.SessionID, to domain.ParticipantID, frame []byte) {
	h.mu.RLock()
	var target Sender
	if r, ok := h.rooms[sid]; ok {
		if m, ok := r.members[to]; ok {
			target = m.client.send
		}
	}
	h.mu.RUnlock()

	if target == nil {
		h.logger.Debug().Str("session", string(sid)).Str("to", string(to)).Msg("unicast target not connected, dropped")
		return
	}
	h.deliver([]Sender{target}, frame)
}

func (h *Hub) sendersLocked(sid domain.SessionID, except domain.ParticipantID) []Sender {
	r, ok := h.rooms[sid]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(r.members))
	for pid, m := range r.members {
		if pid == except {
			continue
		}
		out = append(out, m.client.send)
	}
	return out
}

func (h *Hub) deliver(targets []Sender, frame []byte) {
	for _, s := range targets {
		if err := s.TrySend(frame); err != nil {
			// Slow consumer; its read loop will notice the close.
			h.metrics.IncBroadcastErrors()
			continue
		}
		h.metrics.IncMessagesSent()
	}
}

func (h *Hub) sendTo(c *Client, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode send")
		return
	}
	h.deliver([]Sender{c.send}, frame)
}

func (h *Hub) sendError(c *Client, msg, code string) {
	h.sendTo(c, protocol.EventError, protocol.Error{Message: msg, Code: code})
}

func (h *Hub) rosterLocked(r *room) []string {
	out := make([]string, 0, len(r.members))
	for pid := range r.members {
		out = append(out, string(pid))
	}
	return out
}

func (h *Hub) participantCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, r := range h.rooms {
		n += len(r.members)
	}
	return n
}

// Counts reports live rooms and participants for the health surface.
func (h *Hub) Counts() (rooms, participants int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.rooms {
		if len(r.members) > 0 {
			rooms++
			participants += len(r.members)
		}
	}
	return rooms, participants
}

// Roster returns the current membership of one session.
func (h *Hub) Roster(sid domain.SessionID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[sid]
	if !ok {
		return nil
	}
	return h.rosterLocked(r)
}
