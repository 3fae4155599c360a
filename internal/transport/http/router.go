// Package http wires the gin router: health surface plus the websocket
// upgrade endpoint.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/korobprog/diviscriptures-sub000/internal/config"
	"github.com/korobprog/diviscriptures-sub000/internal/hub"
	"github.com/korobprog/diviscriptures-sub000/internal/registry"
	"github.com/korobprog/diviscriptures-sub000/internal/transport/ws"
)

func SetupRouter(ctx context.Context, cfg *config.Config, h *hub.Hub, reg registry.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := ws.NewController(ws.ControllerConfig{
		Hub:        h,
		Logger:     &log.Logger,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	r.GET("/ws", func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})

	r.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := reg.Ping(c.Request.Context()); err != nil {
			status = "degraded"
		}
		rooms, participants := h.Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":             status,
			"timestamp":          time.Now().UTC().Format(time.RFC3339),
			"activeSessions":     rooms,
			"activeParticipants": participants,
			"metrics":            h.Metrics().Snapshot(),
		})
	})

	log.Info().Str("module", "transport.http").Msg("router setup")
	return r
}
