// internal/models/room.go
package models

import "time"

// RoomStatus is the lobby-level phase of a room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomStarting RoomStatus = "starting"
	RoomActive   RoomStatus = "active"
	RoomFinished RoomStatus = "finished"
)

// InProgress is true once a countdown has begun and until the game finishes.
func (s RoomStatus) InProgress() bool {
	return s == RoomStarting || s == RoomActive
}

// Room is a bounded-capacity lobby keyed by stake.
type Room struct {
	ID            string     `json:"id"`
	Stake         int        `json:"stake"`
	Players       []Player   `json:"players"`
	MaxPlayers    int        `json:"maxPlayers"`
	Status        RoomStatus `json:"status"`
	Prize         int        `json:"prize"`
	CreatedAt     time.Time  `json:"createdAt"`
	ActiveGames   int        `json:"activeGames"`
	HasBonus      bool       `json:"hasBonus"`
	GameStartTime *time.Time `json:"gameStartTime,omitempty"`
	CalledNumbers []int      `json:"calledNumbers"`
	CurrentNumber *int       `json:"currentNumber,omitempty"`
}

// RecomputePrize derives the prize from the current membership snapshot.
func (r *Room) RecomputePrize() {
	r.Prize = len(r.Players) * r.Stake
}

// IndexOfIdentity returns the seat holding the given identity, or -1.
func (r *Room) IndexOfIdentity(identity string) int {
	for i, p := range r.Players {
		if p.Identity() == identity {
			return i
		}
	}
	return -1
}

// IndexOfPlayer returns the seat held by the given session handle, or -1.
func (r *Room) IndexOfPlayer(playerID string) int {
	for i, p := range r.Players {
		if p.ID == playerID {
			return i
		}
	}
	return -1
}

// HasPlayer reports whether the session handle is seated here.
func (r *Room) HasPlayer(playerID string) bool {
	return r.IndexOfPlayer(playerID) >= 0
}

// RemovePlayers drops every seat whose session handle is in ids and returns the removed players.
func (r *Room) RemovePlayers(ids map[string]bool) []Player {
	var removed []Player
	kept := r.Players[:0]
	for _, p := range r.Players {
		if ids[p.ID] {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	r.Players = kept
	r.RecomputePrize()
	return removed
}

// ResetToWaiting clears all in-flight game content but keeps membership.
func (r *Room) ResetToWaiting() {
	r.Status = RoomWaiting
	r.ActiveGames = 0
	r.GameStartTime = nil
	r.CalledNumbers = []int{}
	r.CurrentNumber = nil
	r.RecomputePrize()
}

// ActivePlayers counts players seen within window of now.
func (r *Room) ActivePlayers(now time.Time, window time.Duration) int {
	n := 0
	for _, p := range r.Players {
		if now.Sub(p.LastActive()) <= window {
			n++
		}
	}
	return n
}

// Summary strips player objects down to counts for listing views.
func (r *Room) Summary(now time.Time, activeWindow time.Duration) RoomSummary {
	return RoomSummary{
		ID:            r.ID,
		Stake:         r.Stake,
		PlayerCount:   len(r.Players),
		ActivePlayers: r.ActivePlayers(now, activeWindow),
		MaxPlayers:    r.MaxPlayers,
		Status:        r.Status,
		Prize:         r.Prize,
		HasBonus:      r.HasBonus,
		CreatedAt:     r.CreatedAt,
		GameStartTime: r.GameStartTime,
		CalledCount:   len(r.CalledNumbers),
		CurrentNumber: r.CurrentNumber,
	}
}

// RoomSummary is the listing view of a room.
type RoomSummary struct {
	ID            string     `json:"id"`
	Stake         int        `json:"stake"`
	PlayerCount   int        `json:"playerCount"`
	ActivePlayers int        `json:"activePlayers"`
	MaxPlayers    int        `json:"maxPlayers"`
	Status        RoomStatus `json:"status"`
	Prize         int        `json:"prize"`
	HasBonus      bool       `json:"hasBonus"`
	CreatedAt     time.Time  `json:"createdAt"`
	GameStartTime *time.Time `json:"gameStartTime,omitempty"`
	CalledCount   int        `json:"calledCount"`
	CurrentNumber *int       `json:"currentNumber,omitempty"`
}
