package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/korobprog/diviscriptures-sub000/internal/config"
	"github.com/korobprog/diviscriptures-sub000/internal/hub"
	"github.com/korobprog/diviscriptures-sub000/internal/registry"
	router "github.com/korobprog/diviscriptures-sub000/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var reg registry.Registry
	if cfg.RedisURL != "" {
		reg, err = registry.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect session registry")
		}
		log.Info().Msg("session registry: redis")
	} else {
		reg = registry.NewMemRegistry()
		log.Warn().Msg("session registry: in-memory (single node only)")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error().Err(err).Msg("registry close")
		}
	}()

	h := hub.New(&log.Logger, reg, hub.Options{
		RegistryTTL: cfg.RegistryTTL,
		RoomGrace:   cfg.RoomGrace,
	})
	go h.Run(ctx)

	r := router.SetupRouter(ctx, cfg, h, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling hub started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
