package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/models"
)

// Sessions maps a player identity to the room it currently occupies.
// Every seat is indexed by its session handle ("id:<playerID>"); Telegram players are
// additionally indexed by "tg:<telegramID>" so a new connection can find the old room.
type Sessions struct {
	store cache.Store
	ttl   time.Duration
}

// NewSessions creates a session index whose entries expire after ttl without a refresh.
func NewSessions(store cache.Store, ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

func sessionKeys(p models.Player) []string {
	keys := []string{sessionKey("id:" + p.ID)}
	if !p.IsGuest() {
		keys = append(keys, sessionKey(p.Identity()))
	}
	return keys
}

// Bind records (or refreshes) that p sits in roomID.
func (s *Sessions) Bind(ctx context.Context, p models.Player, roomID string) error {
	for _, key := range sessionKeys(p) {
		if err := s.store.Set(ctx, key, []byte(roomID), s.ttl); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the room bound to identity. A missing entry is not an error.
func (s *Sessions) Lookup(ctx context.Context, identity string) (string, bool, error) {
	raw, err := s.store.Get(ctx, sessionKey(identity))
	if errors.Is(err, cache.ErrMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// LookupPlayer returns the room bound to a session handle.
func (s *Sessions) LookupPlayer(ctx context.Context, playerID string) (string, bool, error) {
	return s.Lookup(ctx, "id:"+playerID)
}

// Unbind drops p's entries, but only those still pointing at roomID: a newer binding
// made by a join elsewhere must survive the old room's cleanup.
func (s *Sessions) Unbind(ctx context.Context, p models.Player, roomID string) error {
	var stale []string
	for _, key := range sessionKeys(p) {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return err
		}
		if string(raw) == roomID {
			stale = append(stale, key)
		}
	}
	return s.store.Del(ctx, stale...)
}
