package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/zlog"

	"github.com/pulsegram/notifsync/internal/api/handlers/feed"
	"github.com/pulsegram/notifsync/internal/api/router"
	"github.com/pulsegram/notifsync/internal/api/server"
	"github.com/pulsegram/notifsync/internal/client"
	"github.com/pulsegram/notifsync/internal/config"
	"github.com/pulsegram/notifsync/internal/live"
	"github.com/pulsegram/notifsync/internal/normalize"
	"github.com/pulsegram/notifsync/internal/resolver"
	"github.com/pulsegram/notifsync/internal/store"
	"github.com/pulsegram/notifsync/internal/syncer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	apiClient := client.New(cfg.API.BaseURL, cfg.API.Token, cfg.API.UserID, cfg.API.Timeout, cfg.Retry)

	st := store.New()
	norm := normalize.New()
	res := resolver.New(st, apiClient, cfg.API.Timeout)

	var controller *syncer.Controller
	dialer := live.NewWebsocketDialer(cfg.API.Token)
	sup := live.New(dialer, live.SinkFunc(func(raw []byte) { controller.IngestPush(raw) }), live.Options{
		URL:            cfg.Live.URL,
		UserID:         cfg.API.UserID,
		InitialBackoff: cfg.Live.InitialBackoff,
		MaxBackoff:     cfg.Live.MaxBackoff,
	})
	controller = syncer.New(st, apiClient, norm, res, sup, cfg.Retry)

	if err := controller.Start(ctx); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to start sync controller")
	}

	feedHandler := feed.NewHandler(controller, val)
	r := router.New(feedHandler)
	s := server.New(":"+cfg.Server.HTTPPort, r)

	go func() {
		zlog.Logger.Info().Msgf("listening on :%s", cfg.Server.HTTPPort)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	controller.Stop()
}
