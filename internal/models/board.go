package models

import "time"

// MaxBoard is the highest selectable board number.
const MaxBoard = 100

// BoardSelection records which board a player holds in a room. At most one per player.
type BoardSelection struct {
	RoomID      string    `json:"roomId"`
	PlayerID    string    `json:"playerId"`
	PlayerName  string    `json:"playerName"`
	BoardNumber int       `json:"boardNumber"`
	Timestamp   time.Time `json:"timestamp"`
}
