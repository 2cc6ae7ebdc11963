// internal/models/game_state.go
package models

import "time"

// MaxNumber is the highest number that can be called; a game calls each of 1..MaxNumber at most once.
const MaxNumber = 75

// GameStatus is the phase of the number-calling state machine.
type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GameActive   GameStatus = "active"
	GameFinished GameStatus = "finished"
)

// Winner is one bingo claim. Claims are append-only.
type Winner struct {
	PlayerID    string    `json:"playerId"`
	PlayerName  string    `json:"playerName"`
	TelegramID  *int64    `json:"telegramId,omitempty"`
	BoardNumber int       `json:"boardNumber,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	ClaimedAt   time.Time `json:"claimedAt"`
}

// GameState is the per-room record of called numbers and winners.
type GameState struct {
	RoomID        string     `json:"roomId"`
	GameID        string     `json:"gameId,omitempty"`
	CalledNumbers []int      `json:"calledNumbers"`
	CurrentNumber *int       `json:"currentNumber,omitempty"`
	GameStatus    GameStatus `json:"gameStatus"`
	Winners       []Winner   `json:"winners"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastUpdate    time.Time  `json:"lastUpdate"`
}

// Available returns the uncalled numbers in ascending order.
func (g *GameState) Available() []int {
	called := make(map[int]bool, len(g.CalledNumbers))
	for _, n := range g.CalledNumbers {
		called[n] = true
	}
	out := make([]int, 0, MaxNumber-len(called))
	for n := 1; n <= MaxNumber; n++ {
		if !called[n] {
			out = append(out, n)
		}
	}
	return out
}

// HasWinner reports whether a claim for this player and board was already recorded.
func (g *GameState) HasWinner(playerID string, board int) bool {
	for _, w := range g.Winners {
		if w.PlayerID == playerID && w.BoardNumber == board {
			return true
		}
	}
	return false
}

// GameResult is pushed to the results queue when a game finishes.
type GameResult struct {
	GameID        string     `json:"gameId"`
	RoomID        string     `json:"roomId"`
	Stake         int        `json:"stake"`
	Prize         int        `json:"prize"`
	PlayerCount   int        `json:"playerCount"`
	CalledNumbers []int      `json:"calledNumbers"`
	Winners       []Winner   `json:"winners"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    time.Time  `json:"finishedAt"`
}
