package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/korobprog/diviscriptures-sub000/internal/hub"
)

const (
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	pongWait          = 60 * time.Second
)

type Controller struct {
	hub      *hub.Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	readLimit  int64
	pingPeriod time.Duration
}

type ControllerConfig struct {
	Hub        *hub.Hub
	Logger     *zerolog.Logger
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(cfg ControllerConfig) *Controller {
	ctl := &Controller{
		hub:    cfg.Hub,
		logger: cfg.Logger.With().Str("component", "ws-controller").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
	}
	if ctl.readLimit <= 0 {
		ctl.readLimit = defaultReadLimit
	}
	if ctl.pingPeriod <= 0 {
		ctl.pingPeriod = defaultPingPeriod
	}
	return ctl
}

// Handle upgrades the request and runs the connection pumps. Identity is
// not taken from the URL: it arrives in the join-session event, which is
// what makes rejoin after reconnect a plain replayable operation.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	socket, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(socket)
	client := hub.NewClient(conn)

	connCtx, cancel := context.WithCancel(ctx)

	go ctl.writePump(connCtx, cancel, conn)
	go ctl.readPump(connCtx, cancel, conn, client)
}

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	ping := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ping.Stop()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				ctl.logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn, client *hub.Client) {
	defer func() {
		cancel()
		ctl.hub.OnDisconnect(context.WithoutCancel(ctx), client)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, frame, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ctl.logger.Debug().Err(err).Msg("connection closed")
				} else {
					ctl.logger.Debug().Err(err).Msg("read error")
				}
				return
			}
			ctl.hub.HandleFrame(ctx, client, frame)
		}
	}
}
