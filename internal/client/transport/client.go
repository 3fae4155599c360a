// Package transport gives client-side code a reconnecting, typed
// publish/subscribe channel over one websocket, hiding raw connection
// lifecycle. All delivery guarantees stop at "the frame left the
// socket"; state-level recovery belongs to full-state broadcasts.
package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/protocol"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	maxReconnectDelay        = 30 * time.Second
	dialTimeout              = 10 * time.Second
	writeDeadline            = 5 * time.Second
)

var (
	ErrNotConnected        = errors.New("transport: not connected")
	ErrReconnectsExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Messages matching these fragments come from the host environment (for
// browser-embedded runtimes: extension channels), not from the network.
// They are filtered out so they never masquerade as connection errors.
var environmentNoise = []string{
	"Could not establish connection",
	"Receiving end does not exist",
	"WebSocket is closed before the connection is established",
}

func isEnvironmentNoise(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, frag := range environmentNoise {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Handler consumes one event payload. Handlers run in registration
// order; a panicking handler never blocks the others. Alias on purpose:
// consumers declare their own narrow Signaler interfaces against the
// plain function type.
type Handler = func(data json.RawMessage)

type Options struct {
	URL    string
	Logger *zerolog.Logger

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	OnConnect    func()
	OnDisconnect func()
	OnError      func(error)
}

type joinedSession struct {
	sessionID       string
	participantID   string
	participantName string
}

// Client is one persistent signaling connection. Connect and Disconnect
// are idempotent; Emit while down records an observable error instead of
// silently dropping.
type Client struct {
	opts   Options
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu           sync.Mutex
	conn         *websocket.Conn
	isConnected  bool
	isConnecting bool
	lastErr      error
	closing      bool
	generation   int

	hmu      sync.RWMutex
	handlers map[string][]registeredHandler
	nextID   int

	smu      sync.Mutex
	sessions map[string]joinedSession
}

type registeredHandler struct {
	id int
	fn Handler
}

func New(opts Options) *Client {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = defaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "transport-client").Logger()
	} else {
		logger = zerolog.Nop()
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		handlers: make(map[string][]registeredHandler),
		sessions: make(map[string]joinedSession),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

func (c *Client) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnecting
}

// LastError exposes the most recent transport error. Emit failures land
// here so callers can detect them without exceptions crossing handler
// boundaries.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect dials the hub. Connecting while already connected or mid-dial
// is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.isConnected || c.isConnecting {
		c.mu.Unlock()
		return nil
	}
	c.isConnecting = true
	c.closing = false
	c.lastErr = nil
	gen := c.generation
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.opts.URL, nil)

	c.mu.Lock()
	if c.generation != gen || c.closing {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	c.isConnecting = false
	if err != nil {
		c.recordErrLocked(err)
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.isConnected = true
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the connection and stops any reconnect activity.
// Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.generation++
	conn := c.conn
	c.conn = nil
	wasConnected := c.isConnected
	c.isConnected = false
	c.isConnecting = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		_ = conn.Close()
	}
	if wasConnected && c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
}

// Emit sends one typed event. Joins and leaves are tracked here, not in
// the convenience wrappers, so a session joined through any layer is
// replayed after a reconnect. A send while disconnected fails into the
// observable error state rather than dropping silently.
func (c *Client) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.trackSession(event, payload)

	c.mu.Lock()
	conn := c.conn
	if !c.isConnected || conn == nil {
		c.recordErrLocked(ErrNotConnected)
		c.mu.Unlock()
		return ErrNotConnected
	}
	// Serialized under mu: gorilla allows only one concurrent writer.
	err = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, frame)
	}
	if err != nil {
		c.recordErrLocked(err)
	}
	c.mu.Unlock()
	return err
}

// On registers a handler for an event. Multiple handlers per event are
// supported and invoked in registration order. The returned id is used
// with Off.
func (c *Client) On(event string, fn Handler) int {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], registeredHandler{id: c.nextID, fn: fn})
	return c.nextID
}

func (c *Client) Off(event string, id int) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	hs := c.handlers[event]
	for i, h := range hs {
		if h.id == id {
			c.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// trackSession mirrors join and leave intent into the remembered
// sessions map. Intent is recorded even when the send itself fails:
// a join attempted while down still belongs in the replay set.
func (c *Client) trackSession(event string, payload any) {
	switch event {
	case protocol.EventJoinSession:
		var p protocol.JoinSession
		if !payloadInto(payload, &p) || p.SessionID == "" {
			return
		}
		c.smu.Lock()
		c.sessions[p.SessionID] = joinedSession{
			sessionID:       p.SessionID,
			participantID:   p.ParticipantID,
			participantName: p.ParticipantName,
		}
		c.smu.Unlock()
	case protocol.EventLeaveSession:
		var p protocol.LeaveSession
		if !payloadInto(payload, &p) || p.SessionID == "" {
			return
		}
		c.smu.Lock()
		delete(c.sessions, p.SessionID)
		c.smu.Unlock()
	}
}

func payloadInto(payload, into any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, into) == nil
}

// JoinSession emits join-session; the session is re-joined
// automatically after a reconnect (the hub treats reconnect as a
// fresh join).
func (c *Client) JoinSession(sessionID, participantID, participantName string) error {
	return c.Emit(protocol.EventJoinSession, protocol.JoinSession{
		SessionID:       sessionID,
		ParticipantID:   participantID,
		ParticipantName: participantName,
	})
}

func (c *Client) LeaveSession(sessionID, participantID string) error {
	return c.Emit(protocol.EventLeaveSession, protocol.LeaveSession{
		SessionID:     sessionID,
		ParticipantID: participantID,
	})
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.onReadFailure(conn, gen, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping inbound frame")
		return
	}

	if env.Event == protocol.EventError {
		var p protocol.Error
		if json.Unmarshal(env.Data, &p) == nil {
			c.mu.Lock()
			c.lastErr = errors.New(p.Message)
			c.mu.Unlock()
			if c.opts.OnError != nil {
				c.opts.OnError(errors.New(p.Message))
			}
		}
	}

	c.hmu.RLock()
	hs := append([]registeredHandler(nil), c.handlers[env.Event]...)
	c.hmu.RUnlock()

	for _, h := range hs {
		c.invoke(env.Event, h.fn, env.Data)
	}
}

// invoke isolates one handler: a panic is logged, not propagated, so
// the remaining handlers for the same event still run.
func (c *Client) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Any("panic", r).Str("event", event).Msg("handler panicked")
		}
	}()
	fn(data)
}

func (c *Client) onReadFailure(conn *websocket.Conn, gen int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.generation != gen || c.closing {
		// Explicit Disconnect already ran; nothing to recover.
		c.mu.Unlock()
		return
	}
	c.isConnected = false
	c.conn = nil
	if !isEnvironmentNoise(err) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.recordErrLocked(err)
	}
	c.mu.Unlock()

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
	go c.reconnect(gen)
}

// reconnect retries with doubling delay up to the attempt budget, then
// surfaces a terminal error state.
func (c *Client) reconnect(gen int) {
	delay := c.opts.ReconnectDelay
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.generation != gen || c.closing {
			c.mu.Unlock()
			return
		}
		c.isConnecting = true
		c.mu.Unlock()

		conn, _, err := c.dialer.Dial(c.opts.URL, nil)

		c.mu.Lock()
		if c.generation != gen || c.closing {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		c.isConnecting = false
		if err == nil {
			c.conn = conn
			c.isConnected = true
			c.lastErr = nil
			c.mu.Unlock()

			c.logger.Info().Int("attempt", attempt).Msg("reconnected")
			if c.opts.OnConnect != nil {
				c.opts.OnConnect()
			}
			go c.readLoop(conn, gen)
			c.rejoinSessions()
			return
		}
		if !isEnvironmentNoise(err) {
			c.recordErrLocked(err)
		}
		c.mu.Unlock()

		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}

	c.mu.Lock()
	c.recordErrLocked(ErrReconnectsExhausted)
	c.mu.Unlock()
}

// rejoinSessions replays join-session for every session this client
// believes it is part of. Join is idempotent hub-side, so replay is safe.
func (c *Client) rejoinSessions() {
	c.smu.Lock()
	sessions := make([]joinedSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.smu.Unlock()

	for _, s := range sessions {
		if err := c.Emit(protocol.EventJoinSession, protocol.JoinSession{
			SessionID:       s.sessionID,
			ParticipantID:   s.participantID,
			ParticipantName: s.participantName,
		}); err != nil {
			c.logger.Error().Err(err).Str("session", s.sessionID).Msg("rejoin failed")
		}
	}
}

// recordErrLocked must be called with mu held.
func (c *Client) recordErrLocked(err error) {
	c.lastErr = err
	if c.opts.OnError != nil && !isEnvironmentNoise(err) {
		go c.opts.OnError(err)
	}
}
