// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/bingo/internal/auth"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/game"
	"github.com/jason-s-yu/bingo/internal/handlers"
	"github.com/jason-s-yu/bingo/internal/lobby"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if cfg.Auth.Seed != "" {
		if err := auth.InitFromSeed(cfg.Auth.Seed, cfg.Auth.TokenExpire); err != nil {
			logger.Fatalf("auth init: %v", err)
		}
	} else {
		logger.Warn("AUTH_SEED not set, tokens are only valid on this instance")
		if err := auth.Init(cfg.Auth.TokenExpire); err != nil {
			logger.Fatalf("auth init: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer store.Close()

	hub := fanout.NewHub(cfg.Events.SubscriberBuffer, logger)
	bridge := fanout.NewBridge(store, hub, cfg.Events, logger)
	rooms := lobby.NewRegistry(store, bridge, cfg.Rooms, logger)
	boards := lobby.NewBoards(rooms)
	reconciler := lobby.NewReconciler(rooms, cfg.Cleanup, logger)
	scheduler := game.NewScheduler(store, rooms, bridge, cfg.Caller, logger)
	rooms.OnStarting = scheduler.ScheduleAutoStart
	rooms.OnReset = scheduler.ResetState

	go bridge.Run(ctx)
	go scheduler.Run(ctx, cfg.Caller.TickInterval)
	go runReconciler(ctx, reconciler, cfg.Cleanup.Interval)

	srv := handlers.NewBingoServer(rooms, boards, reconciler, scheduler, bridge, store, cfg, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Running on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
	scheduler.Stop()
}

// runReconciler runs a gentle pass every interval. Active games are left to their owners;
// a pass only prunes membership.
func runReconciler(ctx context.Context, rec *lobby.Reconciler, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.Gentle(ctx)
		}
	}
}
