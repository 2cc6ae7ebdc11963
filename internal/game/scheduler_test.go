// internal/game/scheduler_test.go
package game

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/cache/cachetest"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/fanout/fanouttest"
	"github.com/jason-s-yu/bingo/internal/lobby"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRooms() config.Rooms {
	return config.Rooms{
		Stakes:           []int{10, 20},
		MaxPlayers:       20,
		MinPlayers:       2,
		AutoStartPercent: 10,
		AutoStartCap:     10,
		AutoStartDelay:   time.Hour,
		RoomTTL:          time.Hour,
		SessionTTL:       time.Hour,
		BoardTTL:         time.Hour,
		ActiveWindow:     5 * time.Minute,
		FinishedHold:     time.Minute,
	}
}

func testCaller() config.Caller {
	return config.Caller{
		MarkerTTL:    15 * time.Second,
		GameTTL:      time.Hour,
		ResultsQueue: "bingo_results",
	}
}

type fixture struct {
	sched  *Scheduler
	reg    *lobby.Registry
	boards *lobby.Boards
	rec    *fanouttest.Recorder
	store  *cache.RedisStore
}

func newFixture(t *testing.T, rooms config.Rooms, caller config.Caller) *fixture {
	t.Helper()
	store, _ := cachetest.NewStore(t)
	rec := &fanouttest.Recorder{}
	reg := lobby.NewRegistry(store, rec, rooms, quietLogger())
	sched := NewScheduler(store, reg, rec, caller, quietLogger())
	reg.OnStarting = sched.ScheduleAutoStart
	reg.OnReset = sched.ResetState
	t.Cleanup(sched.Stop)
	return &fixture{sched: sched, reg: reg, boards: lobby.NewBoards(reg), rec: rec, store: store}
}

func (f *fixture) join(t *testing.T, roomID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.reg.Join(context.Background(), roomID, models.Player{ID: id, Name: "player-" + id})
		require.NoError(t, err)
	}
}

func (f *fixture) results(t *testing.T) []models.GameResult {
	t.Helper()
	raw, err := f.store.Range(context.Background(), "bingo_results")
	require.NoError(t, err)
	out := make([]models.GameResult, 0, len(raw))
	for _, r := range raw {
		var res models.GameResult
		require.NoError(t, json.Unmarshal(r, &res))
		out = append(out, res)
	}
	return out
}

func TestAutoStartAfterDelay(t *testing.T) {
	rooms := testRooms()
	rooms.AutoStartDelay = 50 * time.Millisecond
	f := newFixture(t, rooms, testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	require.Equal(t, models.RoomStarting, room.Status)

	require.Eventually(t, func() bool {
		room, err := f.reg.GetRoom(ctx, "stake-10")
		return err == nil && room.Status == models.RoomActive
	}, 2*time.Second, 10*time.Millisecond)

	state, err := f.sched.GetGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameActive, state.GameStatus)
	assert.NotEmpty(t, state.GameID)
	assert.Equal(t, 1, f.rec.Count(fanout.EventGameStarted))
}

func TestAutoStartSkipsResetRoom(t *testing.T) {
	rooms := testRooms()
	rooms.AutoStartDelay = 50 * time.Millisecond
	f := newFixture(t, rooms, testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, err := f.reg.Leave(ctx, "p1")
	require.NoError(t, err)
	_, err = f.reg.Leave(ctx, "p2")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.RoomWaiting, room.Status)
	assert.Zero(t, f.rec.Count(fanout.EventGameStarted))
}

func TestActivateIfStartingRechecksPlayers(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, err := f.reg.Leave(ctx, "p2")
	require.NoError(t, err)

	ok, err := f.sched.ActivateIfStarting(ctx, "stake-10")
	require.NoError(t, err)
	assert.False(t, ok)

	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.RoomWaiting, room.Status)
	assert.Nil(t, room.GameStartTime)

	ok, err = f.sched.ActivateIfStarting(ctx, "stake-10")
	require.NoError(t, err)
	assert.False(t, ok, "a waiting room is not promoted")
}

func TestCallNextNumberExhaustsBoard(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, _, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)

	var called []int
	for i := 1; i <= models.MaxNumber; i++ {
		res, err := f.sched.CallNextNumber(ctx, "stake-10")
		require.NoError(t, err)
		require.True(t, res.Called, "call %d", i)
		called = append(called, res.Number)
		assert.Equal(t, i == models.MaxNumber, res.Finished, "call %d", i)
	}

	sort.Ints(called)
	for i, n := range called {
		require.Equal(t, i+1, n)
	}

	state, err := f.sched.GetGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameFinished, state.GameStatus)
	assert.Len(t, state.CalledNumbers, models.MaxNumber)

	res, err := f.sched.CallNextNumber(ctx, "stake-10")
	require.NoError(t, err)
	assert.False(t, res.Called)
	assert.False(t, res.Finished)
	assert.Len(t, res.State.CalledNumbers, models.MaxNumber)

	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.RoomFinished, room.Status)
	assert.Len(t, room.CalledNumbers, models.MaxNumber)

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, state.GameID, results[0].GameID)
	assert.Equal(t, 10, results[0].Stake)
	assert.Equal(t, 20, results[0].Prize)
	assert.Equal(t, 2, results[0].PlayerCount)
	assert.Equal(t, 1, f.rec.Count(fanout.EventGameFinished))
	assert.Equal(t, models.MaxNumber, f.rec.Count(fanout.EventNumberCalled))
}

func TestCallNextNumberInitializesMissingGame(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	res, err := f.sched.CallNextNumber(ctx, "stake-20")
	require.NoError(t, err)
	assert.True(t, res.Called)
	assert.Equal(t, models.GameActive, res.State.GameStatus)
	assert.Equal(t, []int{res.Number}, res.State.CalledNumbers)

	room, err := f.reg.GetRoom(ctx, "stake-20")
	require.NoError(t, err)
	assert.Equal(t, models.RoomActive, room.Status)
	require.NotNil(t, room.CurrentNumber)
	assert.Equal(t, res.Number, *room.CurrentNumber)

	_, err = f.sched.CallNextNumber(ctx, "no-such-room")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestStartGame(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1")
	_, _, err := f.sched.StartGame(ctx, "stake-10")
	assert.ErrorIs(t, err, models.ErrNotEnough)
	assert.ErrorIs(t, err, models.ErrConflict)

	f.join(t, "stake-10", "p2")
	state, room, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameActive, state.GameStatus)
	assert.Equal(t, models.RoomActive, room.Status)
	assert.Equal(t, 1, room.ActiveGames)

	again, _, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, state.GameID, again.GameID, "starting an active game is idempotent")
}

func TestClaimBingo(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, err := f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p1", BoardNumber: 1})
	assert.ErrorIs(t, err, models.ErrGameNotFound)

	_, _, err = f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.sched.CallNextNumber(ctx, "stake-10")
		require.NoError(t, err)
	}

	state, err := f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p1", BoardNumber: 1, Pattern: "row"})
	require.NoError(t, err)
	assert.Equal(t, models.GameFinished, state.GameStatus)
	require.Len(t, state.Winners, 1)
	assert.Equal(t, "player-p1", state.Winners[0].PlayerName)

	state, err = f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p2", BoardNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, models.GameFinished, state.GameStatus)
	assert.Len(t, state.Winners, 2, "later claims are recorded")

	state, err = f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p1", BoardNumber: 1})
	require.NoError(t, err)
	assert.Len(t, state.Winners, 2, "the same claim is recorded once")

	assert.Equal(t, 1, f.rec.Count(fanout.EventGameFinished))
	assert.Equal(t, 2, f.rec.Count(fanout.EventBingoClaimed))
	results := f.results(t)
	require.Len(t, results, 1)
	require.Len(t, results[0].Winners, 1)
	assert.Equal(t, "p1", results[0].Winners[0].PlayerID)

	res, err := f.sched.CallNextNumber(ctx, "stake-10")
	require.NoError(t, err)
	assert.False(t, res.Called, "a finished game calls nothing")

	_, err = f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "stranger"})
	assert.ErrorIs(t, err, models.ErrNotInRoom)
}

// raceStore runs hook once, after a game update has read the record and before it writes.
type raceStore struct {
	cache.Store
	hook func()
}

func (s *raceStore) Update(ctx context.Context, key string, ttl time.Duration, fn func([]byte) ([]byte, error)) error {
	return s.Store.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		next, err := fn(current)
		if hook := s.hook; hook != nil && strings.HasPrefix(key, "bingo:game:") {
			s.hook = nil
			hook()
		}
		return next, err
	})
}

func TestClaimDuringCallKeepsWinner(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, _, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)

	racing := &raceStore{Store: f.store}
	other := NewScheduler(racing, f.reg, f.rec, testCaller(), quietLogger())
	t.Cleanup(other.Stop)
	racing.hook = func() {
		_, err := f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p1", BoardNumber: 7})
		assert.NoError(t, err)
	}

	res, err := other.CallNextNumber(ctx, "stake-10")
	require.NoError(t, err)
	assert.False(t, res.Called, "the claim finished the game first")
	assert.Equal(t, models.GameFinished, res.State.GameStatus)

	state, err := f.sched.GetGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameFinished, state.GameStatus)
	require.Len(t, state.Winners, 1)
	assert.Equal(t, "p1", state.Winners[0].PlayerID)
	assert.Empty(t, state.CalledNumbers)

	assert.Equal(t, 1, f.rec.Count(fanout.EventGameFinished))
	assert.Zero(t, f.rec.Count(fanout.EventNumberCalled))
	assert.Len(t, f.results(t), 1)
}

func TestResetGame(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, _, err := f.boards.Select(ctx, "stake-10", "p1", 12)
	require.NoError(t, err)
	_, _, err = f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)
	_, err = f.sched.CallNextNumber(ctx, "stake-10")
	require.NoError(t, err)

	state, room, err := f.sched.ResetGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameWaiting, state.GameStatus)
	assert.Empty(t, state.CalledNumbers)
	assert.Len(t, room.Players, 2, "players are kept")
	assert.Empty(t, room.CalledNumbers)
	assert.Nil(t, room.CurrentNumber)
	assert.Equal(t, models.RoomStarting, room.Status, "a full enough room counts down again")

	list, err := f.boards.List(ctx, "stake-10")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, f.rec.Count(fanout.EventGameReset))
}

func TestEmptiedRoomResetsGame(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, _, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)
	_, err = f.sched.CallNextNumber(ctx, "stake-10")
	require.NoError(t, err)

	_, err = f.reg.Leave(ctx, "p1")
	require.NoError(t, err)
	_, err = f.reg.Leave(ctx, "p2")
	require.NoError(t, err)

	state, err := f.sched.GetGame(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.GameWaiting, state.GameStatus)
	assert.Empty(t, state.CalledNumbers)

	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.RoomWaiting, room.Status)
	assert.Empty(t, room.CalledNumbers)
}

func TestCallerLoop(t *testing.T) {
	caller := testCaller()
	caller.Interval = 20 * time.Millisecond
	f := newFixture(t, testRooms(), caller)
	ctx := context.Background()

	f.join(t, "stake-10", "p1", "p2")
	_, _, err := f.sched.StartGame(ctx, "stake-10")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := f.sched.GetGame(ctx, "stake-10")
		return err == nil && len(state.CalledNumbers) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	live, err := f.sched.callerLive(ctx, "stake-10")
	require.NoError(t, err)
	assert.True(t, live)

	_, _, err = f.sched.ResetGame(ctx, "stake-10")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		live, err := f.sched.callerLive(ctx, "stake-10")
		return err == nil && !live
	}, time.Second, 10*time.Millisecond)
}

func TestTick(t *testing.T) {
	f := newFixture(t, testRooms(), testCaller())
	ctx := context.Background()
	base := time.Now()

	f.join(t, "stake-10", "p1", "p2")
	report := f.sched.Tick(ctx)
	assert.Zero(t, report.Promoted, "countdown not due yet")

	f.sched.now = func() time.Time { return base.Add(2 * time.Hour) }
	report = f.sched.Tick(ctx)
	assert.Equal(t, 1, report.Promoted)

	report = f.sched.Tick(ctx)
	assert.Equal(t, 1, report.Called, "an active room without a caller gets a number")

	require.NoError(t, f.store.Set(ctx, callerKey("stake-10"), []byte("elsewhere"), time.Minute))
	report = f.sched.Tick(ctx)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Called)
	require.NoError(t, f.store.Del(ctx, callerKey("stake-10")))

	_, err := f.sched.ClaimBingo(ctx, "stake-10", models.Winner{PlayerID: "p1"})
	require.NoError(t, err)
	report = f.sched.Tick(ctx)
	assert.Zero(t, report.Reset, "finished rooms are held for a while")

	f.sched.now = func() time.Time { return base.Add(2*time.Hour + 2*time.Minute) }
	report = f.sched.Tick(ctx)
	assert.Equal(t, 1, report.Reset)

	room, err := f.reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	assert.Equal(t, models.RoomStarting, room.Status)
}
