// internal/models/player.go
package models

import (
	"strconv"
	"time"
)

// Player is one session occupying a seat in a room.
// When TelegramID is set it is the canonical identity and ID is only a session handle;
// two records sharing a TelegramID are the same human on two connections.
type Player struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TelegramID *int64    `json:"telegramId,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}

// IsGuest reports whether the player has no Telegram identity.
func (p Player) IsGuest() bool {
	return p.TelegramID == nil
}

// Identity is the key used for uniqueness within a room and in the session index.
func (p Player) Identity() string {
	if p.TelegramID != nil {
		return TelegramIdentity(*p.TelegramID)
	}
	return "id:" + p.ID
}

// LastActive is the most recent sign of life we have for this session.
func (p Player) LastActive() time.Time {
	if p.LastSeenAt.After(p.JoinedAt) {
		return p.LastSeenAt
	}
	return p.JoinedAt
}

// TelegramIdentity builds the identity key for a Telegram user.
func TelegramIdentity(id int64) string {
	return "tg:" + strconv.FormatInt(id, 10)
}
