package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCleanup() config.Cleanup {
	return config.Cleanup{
		GuestStaleAfter:     30 * time.Minute,
		DuplicateSessionCap: 2,
		Parallelism:         4,
	}
}

func playerIDs(room *models.Room) []string {
	ids := make([]string, 0, len(room.Players))
	for _, p := range room.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

func mustRoom(t *testing.T, reg *Registry, id string) *models.Room {
	t.Helper()
	room, err := reg.GetRoom(context.Background(), id)
	require.NoError(t, err)
	return room
}

func TestReconcileCollapsesTelegramAcrossRooms(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()
	now := time.Now()
	reg.now = func() time.Time { return now }

	_, err := reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	_, err = reg.GetRoom(ctx, "stake-20")
	require.NoError(t, err)

	a := telegramUser("a", 555)
	a.JoinedAt = now.Add(-2 * time.Minute)
	b := telegramUser("b", 555)
	b.JoinedAt = now.Add(-time.Minute)
	seatPlayers(t, reg, "stake-10", a)
	seatPlayers(t, reg, "stake-20", b)

	report := c.Gentle(ctx)
	assert.Equal(t, 1, report.PlayersRemoved)
	assert.Zero(t, report.Failures)

	assert.NotContains(t, playerIDs(mustRoom(t, reg, "stake-10")), "a")
	assert.Equal(t, []string{"b"}, playerIDs(mustRoom(t, reg, "stake-20")))

	again := c.Gentle(ctx)
	assert.Zero(t, again.PlayersRemoved, "a second pass finds nothing to do")
}

func TestReconcileDuplicateCap(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()
	now := time.Now()
	reg.now = func() time.Time { return now }

	room, err := reg.CreateRoom(ctx, 10, 20)
	require.NoError(t, err)
	x := telegramUser("x", 9)
	x.JoinedAt = now.Add(-3 * time.Minute)
	y := telegramUser("y", 9)
	y.JoinedAt = now.Add(-2 * time.Minute)
	z := telegramUser("z", 9)
	z.JoinedAt = now.Add(-time.Minute)
	seatPlayers(t, reg, room.ID, x, y, z)

	c.Gentle(ctx)
	assert.ElementsMatch(t, []string{"y", "z"}, playerIDs(mustRoom(t, reg, room.ID)))

	c.Aggressive(ctx)
	assert.Equal(t, []string{"z"}, playerIDs(mustRoom(t, reg, room.ID)))
}

func TestReconcileKeepsProtectedDuplicate(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()
	now := time.Now()
	reg.now = func() time.Time { return now }

	_, err := reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	_, err = reg.GetRoom(ctx, "stake-20")
	require.NoError(t, err)

	old := telegramUser("old", 42)
	old.JoinedAt = now.Add(-time.Hour)
	recent := telegramUser("recent", 42)
	recent.JoinedAt = now
	seatPlayers(t, reg, "stake-10", old)
	seatPlayers(t, reg, "stake-20", recent)

	c.Aggressive(ctx, "old")
	assert.Equal(t, []string{"old"}, playerIDs(mustRoom(t, reg, "stake-10")))
	assert.Empty(t, playerIDs(mustRoom(t, reg, "stake-20")))
}

func TestReconcileGuests(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()
	now := time.Now()
	reg.now = func() time.Time { return now }

	room, err := reg.CreateRoom(ctx, 10, 20)
	require.NoError(t, err)

	stale := guest("stale")
	stale.JoinedAt = now.Add(-time.Hour)
	fresh := guest("fresh")
	fresh.JoinedAt = now.Add(-time.Hour)
	fresh.LastSeenAt = now.Add(-time.Minute)
	mine := guest("mine")
	mine.JoinedAt = now.Add(-2 * time.Hour)
	seatPlayers(t, reg, room.ID, stale, fresh, mine)

	report := c.Gentle(ctx, "mine")
	assert.Equal(t, 1, report.PlayersRemoved)
	assert.ElementsMatch(t, []string{"fresh", "mine"}, playerIDs(mustRoom(t, reg, room.ID)))

	_, ok, err := reg.Sessions().LookupPlayer(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	c.Aggressive(ctx, "mine")
	assert.Equal(t, []string{"mine"}, playerIDs(mustRoom(t, reg, room.ID)))
}

func TestReconcileDropsSeatsWithoutSession(t *testing.T) {
	reg, _, _, mr := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()

	_, err := reg.Join(ctx, "stake-10", telegramUser("a", 1))
	require.NoError(t, err)
	mr.Del(sessionKey("id:a"))

	report := c.Gentle(ctx)
	assert.Equal(t, 1, report.PlayersRemoved)
	assert.Empty(t, mustRoom(t, reg, "stake-10").Players)
}

func TestReconcileResetsRoomBelowMinimum(t *testing.T) {
	reg, _, h, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()
	now := time.Now()
	reg.now = func() time.Time { return now }

	_, err := reg.Join(ctx, "stake-10", guest("p1"))
	require.NoError(t, err)
	_, err = reg.Join(ctx, "stake-10", guest("p2"))
	require.NoError(t, err)
	_, err = reg.Update(ctx, "stake-10", func(room *models.Room) error {
		room.Status = models.RoomActive
		room.CalledNumbers = []int{4, 8}
		room.Players[0].JoinedAt = now.Add(-time.Hour)
		room.Players[0].LastSeenAt = time.Time{}
		return nil
	})
	require.NoError(t, err)

	report := c.Gentle(ctx)
	assert.Equal(t, 1, report.PlayersRemoved)
	assert.Equal(t, 1, report.RoomsReset)

	room := mustRoom(t, reg, "stake-10")
	assert.Equal(t, []string{"p2"}, playerIDs(room))
	assert.Equal(t, models.RoomWaiting, room.Status)
	assert.Empty(t, room.CalledNumbers)
	assert.Contains(t, h.resets, "stake-10")
}

func TestReconcileResetsEmptyRoomStuckInGame(t *testing.T) {
	reg, _, h, _ := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	ctx := context.Background()

	_, err := reg.GetRoom(ctx, "stake-10")
	require.NoError(t, err)
	_, err = reg.Update(ctx, "stake-10", func(room *models.Room) error {
		room.Status = models.RoomActive
		return nil
	})
	require.NoError(t, err)

	report := c.Aggressive(ctx)
	assert.Equal(t, 1, report.RoomsReset)
	assert.Equal(t, models.RoomWaiting, mustRoom(t, reg, "stake-10").Status)
	assert.Equal(t, []string{"stake-10"}, h.resets)
}

func TestReconcileSurvivesStoreOutage(t *testing.T) {
	reg, _, _, mr := newTestRegistry(t)
	c := NewReconciler(reg, testCleanup(), quietLogger())
	mr.Close()

	report := c.Gentle(context.Background())
	assert.Equal(t, 1, report.Failures)
	assert.Zero(t, report.RoomsScanned)
}
