package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
)

// Boards tracks which board number each seated player has picked.
//
// Selections live in a per-room hash keyed by player id. Uniqueness of a board number is
// enforced with a claim key per (room, board) taken with SET NX, so two instances racing
// for the same board cannot both win.
type Boards struct {
	reg   *Registry
	store cache.Store
	ttl   time.Duration
	log   logrus.FieldLogger
}

// NewBoards creates the board registry on top of the room registry.
func NewBoards(reg *Registry) *Boards {
	return &Boards{
		reg:   reg,
		store: reg.store,
		ttl:   reg.cfg.BoardTTL,
		log:   reg.log,
	}
}

// Select gives playerID board n in roomID, releasing any board it held before.
// Choosing the board already held is a no-op. It returns the new selection and the
// room's selections afterwards.
func (b *Boards) Select(ctx context.Context, roomID, playerID string, n int) (*models.BoardSelection, []models.BoardSelection, error) {
	if n < 1 || n > models.MaxBoard {
		return nil, nil, fmt.Errorf("board %d out of range 1..%d: %w", n, models.MaxBoard, models.ErrInvalid)
	}
	room, err := b.reg.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	idx := room.IndexOfPlayer(playerID)
	if idx < 0 {
		return nil, nil, models.ErrNotInRoom
	}
	player := room.Players[idx]

	current, err := selectionOf(ctx, b.store, roomID, playerID)
	if err != nil {
		return nil, nil, err
	}
	if current != nil && current.BoardNumber == n {
		list, err := b.List(ctx, roomID)
		return current, list, err
	}

	holder, err := b.claim(ctx, room, n, playerID)
	if err != nil {
		return nil, nil, err
	}
	if holder != "" {
		name := holder
		if i := room.IndexOfPlayer(holder); i >= 0 {
			name = room.Players[i].Name
		}
		return nil, nil, &models.BoardTakenError{BoardNumber: n, HolderID: holder, HolderName: name}
	}

	if current != nil {
		if err := releaseClaim(ctx, b.store, roomID, current.BoardNumber, playerID); err != nil {
			b.log.WithField("room", roomID).Warnf("failed to release board %d: %v", current.BoardNumber, err)
		}
	}

	sel := models.BoardSelection{
		RoomID:      roomID,
		PlayerID:    playerID,
		PlayerName:  player.Name,
		BoardNumber: n,
		Timestamp:   b.reg.now(),
	}
	if err := writeSelection(ctx, b.store, sel, b.ttl); err != nil {
		return nil, nil, err
	}

	b.log.WithFields(logrus.Fields{"room": roomID, "player": playerID, "board": n}).Debug("board selected")
	b.reg.events.Publish(ctx, boardEvent(fanout.EventBoardSelected, sel))

	list, err := b.List(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return &sel, list, nil
}

// claim takes the claim key for board n. It returns the id of the current holder when
// another seated player owns it, or "" once playerID holds it. A claim left behind by a
// player no longer in the room is purged and retried once.
func (b *Boards) claim(ctx context.Context, room *models.Room, n int, playerID string) (string, error) {
	key := claimKey(room.ID, n)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := b.store.SetNX(ctx, key, []byte(playerID), b.ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return "", nil
		}
		raw, err := b.store.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return "", err
		}
		holder := string(raw)
		if holder == playerID {
			return "", b.store.Expire(ctx, key, b.ttl)
		}
		if room.HasPlayer(holder) {
			return holder, nil
		}
		b.log.WithFields(logrus.Fields{"room": room.ID, "board": n, "holder": holder}).Info("purging orphaned board claim")
		if err := b.store.Del(ctx, key); err != nil {
			return "", err
		}
		if err := b.store.HDel(ctx, boardsKey(room.ID), holder); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("board %d: %w", n, models.ErrConflict)
}

// Deselect releases playerID's board in roomID, if any, and returns the remaining selections.
func (b *Boards) Deselect(ctx context.Context, roomID, playerID string) ([]models.BoardSelection, error) {
	released, err := releaseBoards(ctx, b.store, roomID, playerID)
	if err != nil {
		return nil, err
	}
	for _, sel := range released {
		b.reg.events.Publish(ctx, boardEvent(fanout.EventBoardRemoved, sel))
	}
	return b.List(ctx, roomID)
}

// List returns the selections of players still seated in roomID, ordered by board number.
// Selections of players who have left are purged on the way.
func (b *Boards) List(ctx context.Context, roomID string) ([]models.BoardSelection, error) {
	room, err := b.reg.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	all, err := b.store.HGetAll(ctx, boardsKey(roomID))
	if err != nil {
		return nil, err
	}

	out := make([]models.BoardSelection, 0, len(all))
	var orphans []string
	for playerID, raw := range all {
		var sel models.BoardSelection
		if err := json.Unmarshal(raw, &sel); err != nil {
			orphans = append(orphans, playerID)
			continue
		}
		if !room.HasPlayer(playerID) {
			if err := releaseClaim(ctx, b.store, roomID, sel.BoardNumber, playerID); err != nil {
				b.log.WithField("room", roomID).Warnf("failed to release orphaned board %d: %v", sel.BoardNumber, err)
			}
			orphans = append(orphans, playerID)
			continue
		}
		out = append(out, sel)
	}
	if len(orphans) > 0 {
		if err := b.store.HDel(ctx, boardsKey(roomID), orphans...); err != nil {
			b.log.WithField("room", roomID).Warnf("failed to purge orphaned selections: %v", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardNumber < out[j].BoardNumber })
	return out, nil
}

// Taken returns the board numbers currently held in roomID.
func (b *Boards) Taken(ctx context.Context, roomID string) ([]int, error) {
	list, err := b.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(list))
	for i, sel := range list {
		out[i] = sel.BoardNumber
	}
	return out, nil
}

func selectionOf(ctx context.Context, store cache.Store, roomID, playerID string) (*models.BoardSelection, error) {
	raw, err := store.HGet(ctx, boardsKey(roomID), playerID)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sel models.BoardSelection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return nil, store.HDel(ctx, boardsKey(roomID), playerID)
	}
	return &sel, nil
}

func writeSelection(ctx context.Context, store cache.Store, sel models.BoardSelection, ttl time.Duration) error {
	data, err := json.Marshal(sel)
	if err != nil {
		return err
	}
	if err := store.HSet(ctx, boardsKey(sel.RoomID), sel.PlayerID, data); err != nil {
		return err
	}
	return store.Expire(ctx, boardsKey(sel.RoomID), ttl)
}

// releaseClaim drops the claim key for board n only if playerID still holds it.
func releaseClaim(ctx context.Context, store cache.Store, roomID string, n int, playerID string) error {
	raw, err := store.Get(ctx, claimKey(roomID, n))
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(raw) != playerID {
		return nil
	}
	return store.Del(ctx, claimKey(roomID, n))
}

// releaseBoards drops the selections of the given players and returns what was released.
func releaseBoards(ctx context.Context, store cache.Store, roomID string, playerIDs ...string) ([]models.BoardSelection, error) {
	var released []models.BoardSelection
	for _, id := range playerIDs {
		sel, err := selectionOf(ctx, store, roomID, id)
		if err != nil {
			return released, err
		}
		if sel == nil {
			continue
		}
		if err := releaseClaim(ctx, store, roomID, sel.BoardNumber, id); err != nil {
			return released, err
		}
		if err := store.HDel(ctx, boardsKey(roomID), id); err != nil {
			return released, err
		}
		released = append(released, *sel)
	}
	return released, nil
}

// moveBoard hands oldID's selection to the seat now held by a reconnected session.
func moveBoard(ctx context.Context, store cache.Store, roomID, oldID string, seat models.Player, ttl time.Duration) error {
	sel, err := selectionOf(ctx, store, roomID, oldID)
	if err != nil || sel == nil {
		return err
	}
	sel.PlayerID = seat.ID
	sel.PlayerName = seat.Name
	if err := store.Set(ctx, claimKey(roomID, sel.BoardNumber), []byte(seat.ID), ttl); err != nil {
		return err
	}
	if err := writeSelection(ctx, store, *sel, ttl); err != nil {
		return err
	}
	return store.HDel(ctx, boardsKey(roomID), oldID)
}

func clearBoards(ctx context.Context, store cache.Store, roomID string) error {
	all, err := store.HGetAll(ctx, boardsKey(roomID))
	if err != nil {
		return err
	}
	keys := []string{boardsKey(roomID)}
	for _, raw := range all {
		var sel models.BoardSelection
		if err := json.Unmarshal(raw, &sel); err == nil {
			keys = append(keys, claimKey(roomID, sel.BoardNumber))
		}
	}
	return store.Del(ctx, keys...)
}
