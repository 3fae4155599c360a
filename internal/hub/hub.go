// Package hub multiplexes client connections into session rooms and
// relays signaling and session-state events between room members. It
// holds no long-lived per-message state: a restart loses only in-flight
// frames, and membership is recoverable from the registry.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/domain"
	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
	"github.com/korobprog/diviscriptures-sub000/internal/registry"
)

const (
	defaultRegistryTTL = time.Hour
	defaultRoomGrace   = 30 * time.Second
	defaultJanitorTick = 10 * time.Second
)

// Sender is the transport endpoint owned by the adapter. The hub only
// enqueues frames; the adapter closes the underlying socket.
type Sender interface {
	TrySend(frame []byte) error
	Close()
}

// Client is the hub-side record of one live connection. Identity is
// bound on the first successful join and reused for disconnect cleanup.
type Client struct {
	send Sender

	mu  sync.Mutex
	sid domain.SessionID
	pid domain.ParticipantID
}

func NewClient(send Sender) *Client {
	return &Client{send: send}
}

func (c *Client) bind(sid domain.SessionID, pid domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sid, c.pid = sid, pid
}

func (c *Client) bound() (domain.SessionID, domain.ParticipantID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid, c.pid, c.sid != "" && c.pid != ""
}

func (c *Client) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sid, c.pid = "", ""
}

type member struct {
	name   string
	client *Client
}

// room carries the authoritative shared state for one session. The
// current reader is never present in the queue.
type room struct {
	id            domain.SessionID
	members       map[domain.ParticipantID]*member
	queue         domain.ReadingQueue
	currentReader domain.ParticipantID
	verse         *domain.Verse
	emptySince    time.Time
}

type Options struct {
	RegistryTTL time.Duration
	RoomGrace   time.Duration
	JanitorTick time.Duration

	// JoinLimit caps join-session attempts per participant inside
	// JoinWindow. Zero values take the defaults.
	JoinLimit  int
	JoinWindow time.Duration
}

func (o *Options) withDefaults() {
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = defaultRegistryTTL
	}
	if o.RoomGrace <= 0 {
		o.RoomGrace = defaultRoomGrace
	}
	if o.JanitorTick <= 0 {
		o.JanitorTick = defaultJanitorTick
	}
}

// Hub owns the connection table for this instance. There is no ambient
// module-level state; construct at startup, tear down with the process.
type Hub struct {
	logger  zerolog.Logger
	reg     registry.Registry
	opts    Options
	metrics *Metrics
	timers  *TimerService
	joins   *joinLimiter

	mu    sync.RWMutex
	rooms map[domain.SessionID]*room
}

func New(logger *zerolog.Logger, reg registry.Registry, opts Options) *Hub {
	opts.withDefaults()
	h := &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		reg:     reg,
		opts:    opts,
		metrics: NewMetrics(),
		joins:   newJoinLimiter(opts.JoinLimit, opts.JoinWindow),
		rooms:   make(map[domain.SessionID]*room),
	}
	h.timers = newTimerService(logger, reg, opts.RegistryTTL, h.BroadcastRoomState)
	return h
}

func (h *Hub) Metrics() *Metrics { return h.metrics }

// Run drives the timer re-broadcast loop and the empty-room janitor
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	janitor := time.NewTicker(h.opts.JanitorTick)
	defer janitor.Stop()

	go h.timers.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-janitor.C:
			h.sweepEmptyRooms(ctx)
		}
	}
}

// HandleFrame dispatches one inbound frame from a connection. Malformed
// or out-of-session frames are dropped, never fatal.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.logger.Debug().Err(err).Str("event", env.Event).Msg("dropping frame")
		return
	}
	h.metrics.IncMessagesReceived()

	switch env.Event {
	case protocol.EventJoinSession:
		h.handleJoin(ctx, c, env.Data)
	case protocol.EventLeaveSession:
		h.handleLeave(ctx, c, env.Data)
	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer, protocol.EventWebRTCICECandidate:
		h.handleSignaling(c, env.Event, env.Data)
	case protocol.EventVerseChanged:
		h.handleVerseChanged(c, env.Data)
	case protocol.EventReadingQueueUpdate:
		h.handleQueueUpdate(c, env.Data)
	case protocol.EventStartReading:
		h.handleStartReading(c, env.Data)
	case protocol.EventFinishReading:
		h.handleFinishReading(c, env.Data, protocol.EventReadingFinished)
	case protocol.EventSkipReading:
		h.handleFinishReading(c, env.Data, protocol.EventQueueUpdated)
	case protocol.EventStartSessionTimer:
		h.handleStartTimer(ctx, c, env.Data)
	case protocol.EventPauseSessionTimer:
		h.handleTimerControl(ctx, c, env.Data, h.timers.Pause)
	case protocol.EventResumeSessionTimer:
		h.handleTimerControl(ctx, c, env.Data, h.timers.Resume)
	case protocol.EventSessionEnded:
		h.handleSessionEnded(ctx, c, env.Data)
	default:
		h.logger.Debug().Str("event", env.Event).Msg("event not handled by hub")
	}
}

// OnDisconnect treats a transport close exactly as an explicit leave for
// whatever identity was last bound to the connection.
func (h *Hub) OnDisconnect(ctx context.Context, c *Client) {
	sid, pid, ok := c.bound()
	if !ok {
		return
	}
	h.logger.Info().Str("session", string(sid)).Str("participant", string(pid)).Msg("disconnect treated as leave")
	h.removeParticipant(ctx, sid, pid, c)
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	var p protocol.JoinSession
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.ParticipantID == "" {
		h.sendError(c, "invalid join-session payload", "bad-request")
		return
	}
	sid := domain.SessionID(p.SessionID)
	pid := domain.ParticipantID(p.ParticipantID)

	if !h.joins.allow(pid) {
		h.logger.Warn().Str("session", string(sid)).Str("participant", string(pid)).Msg("join rate limit exceeded")
		h.sendError(c, "too many join attempts", "rate-limited")
		return
	}

	// A connection switching sessions leaves the old one first.
	if oldSID, oldPID, ok := c.bound(); ok && oldSID != sid {
		h.removeParticipant(ctx, oldSID, oldPID, c)
	}

	var (
		replaced Sender
		roster   []string
	)

	h.mu.Lock()
	r, ok := h.rooms[sid]
	if !ok {
		r = &room{id: sid, members: make(map[domain.ParticipantID]*member)}
		h.rooms[sid] = r
		h.metrics.IncRooms()
	}
	r.emptySince = time.Time{}
	// Idempotent rejoin: the same participant ID replaces its prior
	// connection instead of duplicating the roster entry.
	if prev, exists := r.members[pid]; exists && prev.client != c {
		replaced = prev.client.send
		prev.client.unbind()
	}
	r.members[pid] = &member{name: p.ParticipantName, client: c}
	roster = h.rosterLocked(r)
	h.mu.Unlock()

	c.bind(sid, pid)
	h.metrics.SetParticipants(h.participantCount())

	if replaced != nil {
		replaced.Close()
	}

	if err := h.reg.Put(ctx, sid, roster, h.opts.RegistryTTL); err != nil {
		h.logger.Error().Err(err).Str("session", string(sid)).Msg("registry put failed")
	}

	h.sendTo(c, protocol.EventSessionJoined, protocol.SessionJoined{
		SessionID:    p.SessionID,
		Participants: roster,
	})
	h.broadcastExcept(sid, pid, protocol.EventParticipantJoined, protocol.ParticipantJoined{
		SessionID:       p.SessionID,
		ParticipantID:   p.ParticipantID,
		ParticipantName: p.ParticipantName,
	})
	h.logger.Info().Str("session", string(sid)).Str("participant", string(pid)).Msg("participant joined")
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, data json.RawMessage) {
	var p protocol.LeaveSession
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.ParticipantID == "" {
		return
	}
	sid, pid, ok := c.bound()
	if !ok || string(sid) != p.SessionID || string(pid) != p.ParticipantID {
		// Leaves for an identity this connection never held are dropped.
		return
	}
	h.removeParticipant(ctx, sid, pid, c)
}

// removeParticipant prunes membership, queue and reader in one pass and
// tells the rest of the room.
func (h *Hub) removeParticipant(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, c *Client) {
	var (
		roster       []string
		queueChanged bool
		queue        domain.ReadingQueue
		reader       domain.ParticipantID
		wasMember    bool
	)

	h.mu.Lock()
	if r, ok := h.rooms[sid]; ok {
		if m, exists := r.members[pid]; exists && m.client == c {
			delete(r.members, pid)
			wasMember = true
			if r.queue.Contains(pid) {
				r.queue = r.queue.Remove(pid)
				queueChanged = true
			}
			if r.currentReader == pid {
				r.currentReader = ""
				queueChanged = true
			}
			if len(r.members) == 0 {
				r.emptySince = time.Now()
			}
			roster = h.rosterLocked(r)
			queue = r.queue
			reader = r.currentReader
		}
	}
	h.mu.Unlock()

	c.unbind()
	if !wasMember {
		return
	}
	h.metrics.SetParticipants(h.participantCount())

	// The registry reflects the roster immediately, even when it just
	// emptied; only the in-memory room lingers through the grace window.
	if len(roster) > 0 {
		if err := h.reg.Put(ctx, sid, roster, h.opts.RegistryTTL); err != nil {
			h.logger.Error().Err(err).Str("session", string(sid)).Msg("registry put failed")
		}
	} else if err := h.reg.Delete(ctx, sid); err != nil {
		h.logger.Error().Err(err).Str("session", string(sid)).Msg("registry delete failed")
	}

	h.BroadcastRoomState(sid, protocol.EventParticipantLeft, protocol.ParticipantLeft{
		SessionID:     string(sid),
		ParticipantID: string(pid),
	})
	if queueChanged {
		h.BroadcastRoomState(sid, protocol.EventQueueUpdated, protocol.QueueUpdate{
			SessionID:     string(sid),
			Queue:         queue.Strings(),
			CurrentReader: string(reader),
		})
	}
	h.logger.Info().Str("session", string(sid)).Str("participant", string(pid)).Msg("participant left")
}

// handleSignaling relays negotiation envelopes verbatim. The payload is
// never inspected; routing uses only (sessionId, to).
func (h *Hub) handleSignaling(c *Client, event string, data json.RawMessage) {
	var msg protocol.SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	sid, pid, ok := c.bound()
	if !ok || string(sid) != msg.SessionID || string(pid) != msg.From {
		return
	}

	frame, err := protocol.Encode(event, json.RawMessage(data))
	if err != nil {
		return
	}

	if msg.To != "" {
		h.unicast(sid, domain.ParticipantID(msg.To), frame)
		return
	}
	h.fanOut(sid, pid, frame)
}

func (h *Hub) handleVerseChanged(c *Client, data json.RawMessage) {
	var p protocol.VerseChanged
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, _, ok := c.bound()
	if !ok || string(sid) != p.SessionID {
		return
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}

	h.mu.Lock()
	r, exists := h.rooms[sid]
	if exists {
		r.verse = p.Verse
		if p.CurrentReader != "" {
			r.currentReader = domain.ParticipantID(p.CurrentReader)
			r.queue = r.queue.Remove(r.currentReader)
		}
	}
	h.mu.Unlock()
	if !exists {
		return
	}

	// Verse and reader travel together so nobody renders a reader
	// paired with a stale verse.
	h.BroadcastRoomState(sid, protocol.EventVerseChanged, p)
}

func (h *Hub) handleQueueUpdate(c *Client, data json.RawMessage) {
	var p protocol.QueueUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, _, ok := c.bound()
	if !ok || string(sid) != p.SessionID {
		return
	}

	h.mu.Lock()
	r, exists := h.rooms[sid]
	var (
		queue  domain.ReadingQueue
		reader domain.ParticipantID
	)
	if exists {
		queue = domain.QueueFromStrings(p.Queue)
		if r.currentReader != "" {
			queue = queue.Remove(r.currentReader)
		}
		r.queue = queue
		reader = r.currentReader
	}
	h.mu.Unlock()
	if !exists {
		return
	}

	h.BroadcastRoomState(sid, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     p.SessionID,
		Queue:         queue.Strings(),
		CurrentReader: string(reader),
	})
}

func (h *Hub) handleStartReading(c *Client, data json.RawMessage) {
	var p protocol.ReadingTurn
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, pid, ok := c.bound()
	if !ok || string(sid) != p.SessionID || string(pid) != p.ParticipantID {
		return
	}

	// The turn check lives here, at the point of application. A vacant
	// turn may be claimed; a claim while someone else holds it is a
	// stale client and is ignored.
	h.mu.Lock()
	r, exists := h.rooms[sid]
	var (
		honored bool
		claimed bool
		queue   domain.ReadingQueue
	)
	if exists {
		switch r.currentReader {
		case pid:
			honored = true
		case "":
			r.currentReader = pid
			r.queue = r.queue.Remove(pid)
			queue = r.queue
			honored, claimed = true, true
		}
	}
	h.mu.Unlock()
	if !honored {
		h.logger.Debug().Str("session", string(sid)).Str("participant", string(pid)).Msg("start-reading from non-reader dropped")
		return
	}

	h.BroadcastRoomState(sid, protocol.EventReadingStarted, p)
	if claimed {
		h.BroadcastRoomState(sid, protocol.EventQueueUpdated, protocol.QueueUpdate{
			SessionID:     p.SessionID,
			Queue:         queue.Strings(),
			CurrentReader: p.ParticipantID,
		})
	}
}

// handleFinishReading covers finish-reading and skip-reading: both end
// the current turn and promote the next queued participant.
func (h *Hub) handleFinishReading(c *Client, data json.RawMessage, doneEvent string) {
	var p protocol.ReadingTurn
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, pid, ok := c.bound()
	if !ok || string(sid) != p.SessionID || string(pid) != p.ParticipantID {
		return
	}

	h.mu.Lock()
	r, exists := h.rooms[sid]
	honored := exists && r.currentReader == pid
	var (
		queue  domain.ReadingQueue
		reader domain.ParticipantID
	)
	if honored {
		reader, queue = r.queue.Pop()
		r.currentReader = reader
		r.queue = queue
	}
	h.mu.Unlock()
	if !honored {
		h.logger.Debug().Str("session", string(sid)).Str("participant", string(pid)).Msg("finish-reading from non-reader dropped")
		return
	}

	if doneEvent == protocol.EventReadingFinished {
		h.BroadcastRoomState(sid, protocol.EventReadingFinished, p)
	}
	h.BroadcastRoomState(sid, protocol.EventQueueUpdated, protocol.QueueUpdate{
		SessionID:     p.SessionID,
		Queue:         queue.Strings(),
		CurrentReader: string(reader),
	})
}

func (h *Hub) handleStartTimer(ctx context.Context, c *Client, data json.RawMessage) {
	var p protocol.StartSessionTimer
	if err := json.Unmarshal(data, &p); err != nil || p.Duration <= 0 {
		return
	}
	sid, _, ok := c.bound()
	if !ok || string(sid) != p.SessionID {
		return
	}
	h.timers.Start(ctx, sid, p.Duration)
}

func (h *Hub) handleTimerControl(ctx context.Context, c *Client, data json.RawMessage, op func(context.Context, domain.SessionID)) {
	var p protocol.SessionTimerControl
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, _, ok := c.bound()
	if !ok || string(sid) != p.SessionID {
		return
	}
	op(ctx, sid)
}

func (h *Hub) handleSessionEnded(ctx context.Context, c *Client, data json.RawMessage) {
	var p protocol.SessionEnded
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	sid, _, ok := c.bound()
	if !ok || string(sid) != p.SessionID {
		return
	}

	h.BroadcastRoomState(sid, protocol.EventSessionEnded, p)
	h.destroyRoom(ctx, sid)
	h.logger.Info().Str("session", string(sid)).Str("reason", p.Reason).Msg("session ended")
}

func (h *Hub) destroyRoom(ctx context.Context, sid domain.SessionID) {
	h.mu.Lock()
	r, ok := h.rooms[sid]
	if ok {
		for pid, m := range r.members {
			m.client.unbind()
			h.joins.forget(pid)
		}
		delete(h.rooms, sid)
		h.metrics.DecRooms()
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.SetParticipants(h.participantCount())

	h.timers.Stop(ctx, sid)
	if err := h.reg.Delete(ctx, sid); err != nil {
		h.logger.Error().Err(err).Str("session", string(sid)).Msg("registry delete failed")
	}
}

// sweepEmptyRooms destroys rooms that stayed empty past the grace
// period, so a quick reconnect does not lose the session entry.
func (h *Hub) sweepEmptyRooms(ctx context.Context) {
	cutoff := time.Now().Add(-h.opts.RoomGrace)

	h.mu.RLock()
	var stale []domain.SessionID
	for sid, r := range h.rooms {
		if len(r.members) == 0 && !r.emptySince.IsZero() && r.emptySince.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	h.mu.RUnlock()

	for _, sid := range stale {
		h.logger.Info().Str("session", string(sid)).Msg("destroying empty room past grace period")
		h.destroyRoom(ctx, sid)
	}
}
