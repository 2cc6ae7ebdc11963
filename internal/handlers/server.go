// internal/handlers/server.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/game"
	"github.com/jason-s-yu/bingo/internal/lobby"
	"github.com/jason-s-yu/bingo/internal/middleware"
	"github.com/sirupsen/logrus"
)

// BingoServer holds the coordination components the HTTP surface delegates to.
// Handlers are thin: they authenticate, decode, call one component and encode the
// resulting authoritative snapshot.
type BingoServer struct {
	Rooms      *lobby.Registry
	Boards     *lobby.Boards
	Reconciler *lobby.Reconciler
	Games      *game.Scheduler
	Bridge     *fanout.Bridge
	Store      cache.Store
	Cfg        config.Config
	Logger     logrus.FieldLogger

	// NewBackOff builds the retry policy for transient store failures.
	NewBackOff func() backoff.BackOff
}

// NewBingoServer wires a server over the given components.
func NewBingoServer(rooms *lobby.Registry, boards *lobby.Boards, rec *lobby.Reconciler, games *game.Scheduler, bridge *fanout.Bridge, store cache.Store, cfg config.Config, logger logrus.FieldLogger) *BingoServer {
	return &BingoServer{
		Rooms:      rooms,
		Boards:     boards,
		Reconciler: rec,
		Games:      games,
		Bridge:     bridge,
		Store:      store,
		Cfg:        cfg,
		Logger:     logger,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
}

// Routes returns the full HTTP handler with logging and rate limiting applied.
func (s *BingoServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/guest", s.handleGuestAuth)
	mux.HandleFunc("POST /auth/telegram", s.handleTelegramAuth)

	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("GET /stakes/{stake}", s.handleStakeRoom)
	mux.HandleFunc("POST /rooms/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /leave", s.handleLeave)

	mux.HandleFunc("GET /rooms/{id}/boards", s.handleListBoards)
	mux.HandleFunc("POST /rooms/{id}/boards", s.handleSelectBoard)
	mux.HandleFunc("DELETE /rooms/{id}/boards", s.handleDeselectBoard)

	mux.HandleFunc("GET /rooms/{id}/game", s.handleGetGame)
	mux.HandleFunc("POST /rooms/{id}/start", s.handleStartGame)
	mux.HandleFunc("POST /rooms/{id}/reset", s.handleResetGame)
	mux.HandleFunc("POST /rooms/{id}/bingo", s.handleClaimBingo)
	mux.HandleFunc("POST /rooms/{id}/call", s.handleCallNumber)

	mux.HandleFunc("POST /cron/tick", s.handleTick)
	mux.HandleFunc("POST /cron/reconcile", s.handleReconcile)

	mux.HandleFunc("GET /ws/rooms/{id}", s.SubscribeWSHandler)

	var h http.Handler = mux
	h = middleware.RateLimit(s.Store, s.Cfg.RateLimitPerMinute, s.Logger)(h)
	h = middleware.LogMiddleware(s.Logger)(h)
	return h
}

// retry runs op again while it fails with a transient store error. Any other error ends
// the attempt immediately; exhausting the policy returns the last transient error.
func (s *BingoServer) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(s.NewBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, cache.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
