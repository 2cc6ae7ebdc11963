// internal/game/scheduler.go
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/lobby"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
)

func gameKey(roomID string) string {
	return "bingo:game:" + roomID
}

func callerKey(roomID string) string {
	return "bingo:caller:" + roomID
}

// errSkip aborts a room update whose precondition no longer holds.
var errSkip = errors.New("precondition no longer holds")

// CallResult reports the outcome of one CallNextNumber.
type CallResult struct {
	Number   int               `json:"number,omitempty"`
	Called   bool              `json:"called"`
	Finished bool              `json:"finished"`
	State    *models.GameState `json:"state"`
}

type caller struct {
	cancel context.CancelFunc
}

// Scheduler drives the per-room number-calling state machine.
//
// GameState lives in the shared store; the scheduler only keeps handles to the timers and
// caller loops it started in this process. Any instance may call, start, reset or claim for
// any room: every operation re-reads state and re-checks its precondition before acting.
type Scheduler struct {
	store  cache.Store
	rooms  *lobby.Registry
	events fanout.Publisher
	cfg    config.Caller
	log    logrus.FieldLogger
	now    func() time.Time
	origin string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	callers map[string]*caller
	timers  map[string]*time.Timer
}

// NewScheduler creates a scheduler. Background work is bound to the scheduler's own
// lifetime and ends with Stop.
func NewScheduler(store cache.Store, rooms *lobby.Registry, events fanout.Publisher, cfg config.Caller, log logrus.FieldLogger) *Scheduler {
	if events == nil {
		events = fanout.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		rooms:   rooms,
		events:  events,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		origin:  uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		callers: make(map[string]*caller),
		timers:  make(map[string]*time.Timer),
	}
}

// GetGame loads the game state of a room.
func (s *Scheduler) GetGame(ctx context.Context, roomID string) (*models.GameState, error) {
	var state models.GameState
	if err := cache.GetJSON(ctx, s.store, gameKey(roomID), &state); err != nil {
		if cache.IsMiss(err) {
			return nil, fmt.Errorf("%s: %w", roomID, models.ErrGameNotFound)
		}
		return nil, err
	}
	normalizeGame(&state)
	return &state, nil
}

func normalizeGame(state *models.GameState) {
	if state.CalledNumbers == nil {
		state.CalledNumbers = []int{}
	}
	if state.Winners == nil {
		state.Winners = []models.Winner{}
	}
}

// updateGame applies fn to the room's game state and writes the result atomically. exists
// is false when there is no record yet. fn reruns on the fresh record if another writer
// gets in between, and nothing is written when it reports no change or fails.
func (s *Scheduler) updateGame(ctx context.Context, roomID string, fn func(state *models.GameState, exists bool) (bool, error)) (*models.GameState, error) {
	var state *models.GameState
	err := s.store.Update(ctx, gameKey(roomID), s.cfg.GameTTL, func(current []byte) ([]byte, error) {
		state = &models.GameState{RoomID: roomID}
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, state); err != nil {
				return nil, fmt.Errorf("%s: corrupted record: %w", roomID, models.ErrGameNotFound)
			}
		}
		normalizeGame(state)
		changed, err := fn(state, exists)
		if err != nil || !changed {
			return nil, err
		}
		state.LastUpdate = s.now()
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// saveGame replaces the game state outright, for transitions that start a new game.
func (s *Scheduler) saveGame(ctx context.Context, state *models.GameState) error {
	state.LastUpdate = s.now()
	return cache.SetJSON(ctx, s.store, gameKey(state.RoomID), state, s.cfg.GameTTL)
}

func (s *Scheduler) newGame(roomID string, status models.GameStatus) *models.GameState {
	state := &models.GameState{
		RoomID:        roomID,
		CalledNumbers: []int{},
		GameStatus:    status,
		Winners:       []models.Winner{},
	}
	if status == models.GameActive {
		now := s.now()
		state.GameID = uuid.NewString()
		state.StartedAt = &now
	}
	return state
}

// CallNextNumber draws one uncalled number uniformly at random for an active game.
// A missing game state is initialized as active. It is a no-op unless the game is active,
// and the call that exhausts 1..75 finishes the game.
func (s *Scheduler) CallNextNumber(ctx context.Context, roomID string) (*CallResult, error) {
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	var (
		n        int
		called   bool
		finished bool
		created  bool
	)
	state, err := s.updateGame(ctx, roomID, func(state *models.GameState, exists bool) (bool, error) {
		n, called, finished, created = 0, false, false, false
		if !exists {
			*state = *s.newGame(roomID, models.GameActive)
			created = true
		}
		if state.GameStatus != models.GameActive {
			return false, nil
		}
		available := state.Available()
		if len(available) > 0 {
			n = available[rand.IntN(len(available))]
			state.CalledNumbers = append(state.CalledNumbers, n)
			state.CurrentNumber = &n
			called = true
		}
		if !called || len(state.CalledNumbers) >= models.MaxNumber {
			state.GameStatus = models.GameFinished
			finished = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	logger := s.log.WithField("room", roomID)

	if created {
		if _, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
			if room.Status != models.RoomActive {
				start := s.now()
				room.Status = models.RoomActive
				room.GameStartTime = &start
			}
			return nil
		}); err != nil {
			logger.Warnf("failed to activate room for new game: %v", err)
		}
	}

	if !called {
		if finished {
			s.finished(ctx, state)
		}
		return &CallResult{Finished: finished, State: state}, nil
	}

	if _, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		room.CalledNumbers = append([]int(nil), state.CalledNumbers...)
		room.CurrentNumber = &n
		return nil
	}); err != nil {
		logger.Warnf("failed to mirror called number: %v", err)
	}

	s.events.Publish(ctx, fanout.NewEvent(fanout.EventNumberCalled, roomID, map[string]interface{}{
		"number":        n,
		"calledNumbers": state.CalledNumbers,
		"remaining":     models.MaxNumber - len(state.CalledNumbers),
	}))
	logger.WithFields(logrus.Fields{"number": n, "called": len(state.CalledNumbers)}).Debug("number called")

	if finished {
		s.finished(ctx, state)
	}
	return &CallResult{Number: n, Called: true, Finished: finished, State: state}, nil
}

// finished runs the side effects of a game's first transition to Finished: the room
// follows, the result is queued for archiving, clients are told and the caller stops.
func (s *Scheduler) finished(ctx context.Context, state *models.GameState) {
	logger := s.log.WithFields(logrus.Fields{"room": state.RoomID, "game": state.GameID})

	room, err := s.rooms.Update(ctx, state.RoomID, func(room *models.Room) error {
		room.Status = models.RoomFinished
		room.CalledNumbers = append([]int(nil), state.CalledNumbers...)
		room.CurrentNumber = state.CurrentNumber
		return nil
	})
	if err != nil {
		logger.Warnf("failed to mark room finished: %v", err)
	}

	result := models.GameResult{
		GameID:        state.GameID,
		RoomID:        state.RoomID,
		CalledNumbers: state.CalledNumbers,
		Winners:       state.Winners,
		StartedAt:     state.StartedAt,
		FinishedAt:    s.now(),
	}
	if room != nil {
		result.Stake = room.Stake
		result.Prize = room.Prize
		result.PlayerCount = len(room.Players)
	}
	if s.cfg.ResultsQueue != "" {
		if err := cache.PushRecord(ctx, s.store, s.cfg.ResultsQueue, result); err != nil {
			logger.Errorf("failed to queue game result: %v", err)
		}
	}

	s.events.Publish(ctx, fanout.NewEvent(fanout.EventGameFinished, state.RoomID, map[string]interface{}{
		"gameId":  state.GameID,
		"winners": state.Winners,
		"called":  len(state.CalledNumbers),
	}))
	logger.WithField("winners", len(state.Winners)).Info("game finished")
	s.stopCaller(state.RoomID)
}

// StartGame activates a room's game now, skipping any countdown. Starting an already
// active game returns its state.
func (s *Scheduler) StartGame(ctx context.Context, roomID string) (*models.GameState, *models.Room, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if room.Status == models.RoomActive {
		if state, err := s.GetGame(ctx, roomID); err == nil && state.GameStatus == models.GameActive {
			return state, room, nil
		}
	}
	minPlayers := s.rooms.Config().MinPlayers
	return s.activate(ctx, roomID, func(room *models.Room) error {
		if room.Status == models.RoomFinished {
			return fmt.Errorf("%s: %w", roomID, models.ErrAlreadyStarted)
		}
		if len(room.Players) < minPlayers {
			return fmt.Errorf("%d of %d: %w", len(room.Players), minPlayers, models.ErrNotEnough)
		}
		return nil
	})
}

// ActivateIfStarting moves a room from its countdown into play. It reports false and does
// nothing if the room is no longer counting down; a room that lost its quorum during the
// countdown goes back to waiting.
func (s *Scheduler) ActivateIfStarting(ctx context.Context, roomID string) (bool, error) {
	minPlayers := s.rooms.Config().MinPlayers
	reverted := false
	_, _, err := s.activate(ctx, roomID, func(room *models.Room) error {
		if room.Status != models.RoomStarting {
			return errSkip
		}
		if len(room.Players) < minPlayers {
			reverted = true
			return errSkip
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		if reverted {
			s.revertCountdown(ctx, roomID)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) revertCountdown(ctx context.Context, roomID string) {
	minPlayers := s.rooms.Config().MinPlayers
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		if room.Status != models.RoomStarting || len(room.Players) >= minPlayers {
			return errSkip
		}
		room.ResetToWaiting()
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkip) {
			s.log.WithField("room", roomID).Warnf("failed to revert countdown: %v", err)
		}
		return
	}
	s.log.WithField("room", roomID).Info("countdown cancelled, not enough players")
	s.events.Publish(ctx, fanout.NewEvent(fanout.EventRoomUpdated, roomID, map[string]interface{}{"room": room}))
}

// activate marks the room active if check allows it, writes a fresh active game state and
// starts this process's caller loop for the room.
func (s *Scheduler) activate(ctx context.Context, roomID string, check func(*models.Room) error) (*models.GameState, *models.Room, error) {
	now := s.now()
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		if err := check(room); err != nil {
			return err
		}
		room.Status = models.RoomActive
		if room.GameStartTime == nil || room.GameStartTime.After(now) {
			room.GameStartTime = &now
		}
		room.CalledNumbers = []int{}
		room.CurrentNumber = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.cancelAutoStart(roomID)

	state := s.newGame(roomID, models.GameActive)
	if err := s.saveGame(ctx, state); err != nil {
		return nil, nil, err
	}

	s.events.Publish(ctx, fanout.NewEvent(fanout.EventGameStarted, roomID, map[string]interface{}{
		"gameId": state.GameID,
		"room":   room,
	}))
	s.log.WithFields(logrus.Fields{"room": roomID, "game": state.GameID, "players": len(room.Players)}).Info("game started")
	s.startCaller(roomID)
	return state, room, nil
}

// ScheduleAutoStart arms a one-shot timer that activates the room once its countdown
// ends. Re-arming replaces the pending timer. The timer re-checks the room when it fires,
// so a reset or emptied room is left alone.
func (s *Scheduler) ScheduleAutoStart(roomID string) {
	delay := s.rooms.Config().AutoStartDelay

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if t, ok := s.timers[roomID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[roomID] == t {
			delete(s.timers, roomID)
		}
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.ActivateIfStarting(s.ctx, roomID); err != nil {
			s.log.WithField("room", roomID).Warnf("auto-start failed: %v", err)
		}
	})
	s.timers[roomID] = t
	s.log.WithFields(logrus.Fields{"room": roomID, "delay": delay}).Debug("auto-start scheduled")
}

func (s *Scheduler) cancelAutoStart(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[roomID]; ok {
		t.Stop()
		delete(s.timers, roomID)
	}
}

// ResetGame returns a room to waiting with the same players, clears board selections and
// replaces the game state with a fresh waiting one. If the remaining players still meet the
// auto-start threshold the next countdown begins straight away.
func (s *Scheduler) ResetGame(ctx context.Context, roomID string) (*models.GameState, *models.Room, error) {
	s.stopCaller(roomID)
	s.cancelAutoStart(roomID)

	cfg := s.rooms.Config()
	now := s.now()
	rearm := false
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		rearm = false
		room.ResetToWaiting()
		n := len(room.Players)
		if n >= cfg.MinPlayers && n >= cfg.AutoStartThreshold(room.MaxPlayers) {
			start := now.Add(cfg.AutoStartDelay)
			room.Status = models.RoomStarting
			room.GameStartTime = &start
			rearm = true
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.rooms.ClearBoards(ctx, roomID); err != nil {
		s.log.WithField("room", roomID).Warnf("failed to clear boards: %v", err)
	}
	state := s.newGame(roomID, models.GameWaiting)
	if err := s.saveGame(ctx, state); err != nil {
		return nil, nil, err
	}

	s.events.Publish(ctx, fanout.NewEvent(fanout.EventGameReset, roomID, map[string]interface{}{"room": room}))
	s.log.WithField("room", roomID).Info("game reset")
	if rearm {
		s.ScheduleAutoStart(roomID)
	}
	return state, room, nil
}

// ResetState follows a room the registry has already reset: local timers and callers stop
// and any existing game state is replaced by a fresh waiting one.
func (s *Scheduler) ResetState(ctx context.Context, roomID string) {
	s.stopCaller(roomID)
	s.cancelAutoStart(roomID)

	if _, err := s.GetGame(ctx, roomID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.log.WithField("room", roomID).Warnf("failed to load game for reset: %v", err)
		}
		return
	}
	if err := s.saveGame(ctx, s.newGame(roomID, models.GameWaiting)); err != nil {
		s.log.WithField("room", roomID).Warnf("failed to reset game state: %v", err)
		return
	}
	s.events.Publish(ctx, fanout.NewEvent(fanout.EventGameReset, roomID, nil))
}

// ClaimBingo records a winner. The first claim on an active game finishes it; later claims
// are appended without repeating the finish. The same player claiming the same board twice
// is recorded once.
func (s *Scheduler) ClaimBingo(ctx context.Context, roomID string, w models.Winner) (*models.GameState, error) {
	if w.PlayerID == "" {
		return nil, fmt.Errorf("player id required: %w", models.ErrInvalid)
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	idx := room.IndexOfPlayer(w.PlayerID)
	if idx < 0 {
		return nil, models.ErrNotInRoom
	}
	if w.PlayerName == "" {
		w.PlayerName = room.Players[idx].Name
	}
	if w.TelegramID == nil {
		w.TelegramID = room.Players[idx].TelegramID
	}

	w.ClaimedAt = s.now()
	var recorded, first bool
	state, err := s.updateGame(ctx, roomID, func(state *models.GameState, exists bool) (bool, error) {
		recorded, first = false, false
		if !exists {
			return false, fmt.Errorf("%s: %w", roomID, models.ErrGameNotFound)
		}
		if state.GameStatus == models.GameWaiting {
			return false, fmt.Errorf("%s: %w", roomID, models.ErrGameNotActive)
		}
		if state.HasWinner(w.PlayerID, w.BoardNumber) {
			return false, nil
		}
		state.Winners = append(state.Winners, w)
		recorded = true
		if state.GameStatus == models.GameActive {
			state.GameStatus = models.GameFinished
			first = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !recorded {
		return state, nil
	}

	s.events.Publish(ctx, fanout.NewEvent(fanout.EventBingoClaimed, roomID, map[string]interface{}{
		"winner": w,
		"first":  first,
	}))
	s.log.WithFields(logrus.Fields{"room": roomID, "player": w.PlayerID, "board": w.BoardNumber, "first": first}).Info("bingo claimed")
	if first {
		s.finished(ctx, state)
	}
	return state, nil
}

func (s *Scheduler) startCaller(roomID string) {
	if s.cfg.Interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if _, ok := s.callers[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &caller{cancel: cancel}
	s.callers[roomID] = c
	s.wg.Add(1)
	go s.runCaller(ctx, roomID, c)
}

func (s *Scheduler) stopCaller(roomID string) {
	s.mu.Lock()
	c, ok := s.callers[roomID]
	delete(s.callers, roomID)
	s.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// runCaller calls a number every interval until the game stops being active. While it
// runs it keeps the room's caller marker alive so external ticks leave the room alone.
func (s *Scheduler) runCaller(ctx context.Context, roomID string, c *caller) {
	defer s.wg.Done()
	logger := s.log.WithField("room", roomID)
	defer func() {
		s.mu.Lock()
		if s.callers[roomID] == c {
			delete(s.callers, roomID)
		}
		s.mu.Unlock()
		c.cancel()
		if err := s.store.Del(context.Background(), callerKey(roomID)); err != nil {
			logger.Debugf("failed to clear caller marker: %v", err)
		}
	}()

	s.refreshMarker(ctx, roomID)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.refreshMarker(ctx, roomID)
		res, err := s.CallNextNumber(ctx, roomID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
				return
			}
			logger.Warnf("caller: %v", err)
			continue
		}
		if !res.Called || res.Finished {
			return
		}
	}
}

func (s *Scheduler) refreshMarker(ctx context.Context, roomID string) {
	if err := s.store.Set(ctx, callerKey(roomID), []byte(s.origin), s.cfg.MarkerTTL); err != nil {
		s.log.WithField("room", roomID).Debugf("failed to refresh caller marker: %v", err)
	}
}

// Stop halts every caller loop and pending auto-start owned by this process and waits for
// the loops to exit. Game state in the store is untouched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
