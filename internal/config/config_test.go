package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []int{10, 20, 50, 100}, cfg.Rooms.Stakes)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.GuestStaleAfter)
	assert.Equal(t, 2, cfg.Cleanup.DuplicateSessionCap)
	assert.Equal(t, "bingo_results", cfg.Caller.ResultsQueue)
	assert.False(t, cfg.Cleanup.AggressiveOnList)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STAKES", "5, 15,bogus")
	t.Setenv("CALL_INTERVAL", "250ms")
	t.Setenv("TOKEN_EXPIRE_TIME", "never")
	t.Setenv("ROOM_MAX_PLAYERS", "notanint")
	t.Setenv("AGGRESSIVE_ON_LIST", "true")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []int{5, 15}, cfg.Rooms.Stakes)
	assert.Equal(t, 250*time.Millisecond, cfg.Caller.Interval)
	assert.Equal(t, time.Duration(0), cfg.Auth.TokenExpire)
	assert.Equal(t, 20, cfg.Rooms.MaxPlayers)
	assert.True(t, cfg.Cleanup.AggressiveOnList)

	t.Setenv("AGGRESSIVE_ON_LIST", "maybe")
	assert.False(t, Load().Cleanup.AggressiveOnList)
}

func TestAutoStartThreshold(t *testing.T) {
	r := Rooms{MinPlayers: 2, AutoStartPercent: 10, AutoStartCap: 10}

	assert.Equal(t, 2, r.AutoStartThreshold(20))
	assert.Equal(t, 2, r.AutoStartThreshold(5), "never below the minimum player count")
	assert.Equal(t, 5, r.AutoStartThreshold(50))
	assert.Equal(t, 10, r.AutoStartThreshold(400), "capped")
}
