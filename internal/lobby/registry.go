// internal/lobby/registry.go
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
)

// Registry owns room records in the shared store: creation, membership and listing.
// It holds no room state of its own; every call reads and writes through the store,
// so any number of instances may serve the same rooms.
type Registry struct {
	store    cache.Store
	events   fanout.Publisher
	sessions *Sessions
	cfg      config.Rooms
	log      logrus.FieldLogger
	now      func() time.Time

	// OnStarting is called after a join moves a room into its countdown.
	OnStarting func(roomID string)
	// OnReset is called after a room is reset because it emptied or lost quorum.
	OnReset func(ctx context.Context, roomID string)
}

// NewRegistry creates a registry over store.
func NewRegistry(store cache.Store, events fanout.Publisher, cfg config.Rooms, log logrus.FieldLogger) *Registry {
	if events == nil {
		events = fanout.Discard{}
	}
	return &Registry{
		store:    store,
		events:   events,
		sessions: NewSessions(store, cfg.SessionTTL),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Sessions exposes the session index.
func (r *Registry) Sessions() *Sessions {
	return r.sessions
}

// Config returns the room settings the registry was built with.
func (r *Registry) Config() config.Rooms {
	return r.cfg
}

func (r *Registry) stakeOf(roomID string) (int, bool) {
	raw, ok := strings.CutPrefix(roomID, "stake-")
	if !ok {
		return 0, false
	}
	stake, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	for _, s := range r.cfg.Stakes {
		if s == stake {
			return stake, true
		}
	}
	return 0, false
}

func (r *Registry) newRoom(id string, stake, maxPlayers int) *models.Room {
	if maxPlayers <= 0 {
		maxPlayers = r.cfg.MaxPlayers
	}
	return &models.Room{
		ID:            id,
		Stake:         stake,
		Players:       []models.Player{},
		MaxPlayers:    maxPlayers,
		Status:        models.RoomWaiting,
		CreatedAt:     r.now(),
		HasBonus:      r.cfg.BonusMinStake > 0 && stake >= r.cfg.BonusMinStake,
		CalledNumbers: []int{},
	}
}

// CreateOrGetRoom returns the shared room for a stake, creating it if absent.
// Concurrent callers on different instances converge on the same record.
func (r *Registry) CreateOrGetRoom(ctx context.Context, stake int) (*models.Room, error) {
	if stake <= 0 {
		return nil, fmt.Errorf("stake %d: %w", stake, models.ErrInvalid)
	}
	id := StakeRoomID(stake)
	room, err := r.loadRoom(ctx, id)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, models.ErrRoomNotFound) {
		return nil, err
	}

	room = r.newRoom(id, stake, 0)
	data, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}
	created, err := r.store.SetNX(ctx, roomKey(id), data, r.cfg.RoomTTL)
	if err != nil {
		return nil, err
	}
	if !created {
		return r.loadRoom(ctx, id)
	}
	r.log.WithFields(logrus.Fields{"room": id, "stake": stake}).Info("created stake room")
	r.events.Publish(ctx, roomEvent(room))
	return room, nil
}

// CreateRoom creates an ad-hoc room with a generated id.
func (r *Registry) CreateRoom(ctx context.Context, stake, maxPlayers int) (*models.Room, error) {
	if stake <= 0 {
		return nil, fmt.Errorf("stake %d: %w", stake, models.ErrInvalid)
	}
	if maxPlayers < 0 || maxPlayers > 10*r.cfg.MaxPlayers {
		return nil, fmt.Errorf("maxPlayers %d: %w", maxPlayers, models.ErrInvalid)
	}
	room := r.newRoom(uuid.NewString(), stake, maxPlayers)
	if err := r.SaveRoom(ctx, room); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"room": room.ID, "stake": stake}).Info("created room")
	r.events.Publish(ctx, roomEvent(room))
	return room, nil
}

func (r *Registry) loadRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := cache.GetJSON(ctx, r.store, roomKey(id), &room); err != nil {
		if cache.IsMiss(err) {
			return nil, fmt.Errorf("%s: %w", id, models.ErrRoomNotFound)
		}
		return nil, err
	}
	normalize(&room)
	r.mergeSeen(ctx, &room)
	return &room, nil
}

func normalize(room *models.Room) {
	if room.Players == nil {
		room.Players = []models.Player{}
	}
	if room.CalledNumbers == nil {
		room.CalledNumbers = []int{}
	}
}

// mergeSeen folds heartbeat timestamps into the players' LastSeenAt.
func (r *Registry) mergeSeen(ctx context.Context, room *models.Room) {
	seen, err := r.store.HGetAll(ctx, seenKey(room.ID))
	if err != nil {
		r.log.WithField("room", room.ID).Debugf("failed to read heartbeats: %v", err)
		return
	}
	for i, p := range room.Players {
		raw, ok := seen[p.ID]
		if !ok {
			continue
		}
		ns, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			continue
		}
		if at := time.Unix(0, ns); at.After(p.LastSeenAt) {
			room.Players[i].LastSeenAt = at
		}
	}
}

// GetRoom loads a room. Stake rooms for configured stakes are created on first access.
func (r *Registry) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := r.loadRoom(ctx, id)
	if err == nil {
		return room, nil
	}
	if errors.Is(err, models.ErrRoomNotFound) {
		if stake, ok := r.stakeOf(id); ok {
			return r.CreateOrGetRoom(ctx, stake)
		}
	}
	return nil, err
}

// SaveRoom writes a room unconditionally, deriving prize and activeGames from it first.
// Only used for records nobody else can be writing yet; changes to existing rooms go
// through Update.
func (r *Registry) SaveRoom(ctx context.Context, room *models.Room) error {
	derive(room)
	return cache.SetJSON(ctx, r.store, roomKey(room.ID), room, r.cfg.RoomTTL)
}

func derive(room *models.Room) {
	room.RecomputePrize()
	if room.Status.InProgress() {
		room.ActiveGames = 1
	} else {
		room.ActiveGames = 0
	}
}

// Update applies fn to the current room and writes the result atomically. If another
// writer changes the room in between, fn runs again on the fresh record, so fn must not
// carry results over from a previous run. Nothing is written if fn fails.
func (r *Registry) Update(ctx context.Context, id string, fn func(*models.Room) error) (*models.Room, error) {
	return r.modify(ctx, id, func(room *models.Room) (bool, error) {
		return true, fn(room)
	})
}

// modify is Update where fn may report that nothing changed; the room is then returned
// as read and not written.
func (r *Registry) modify(ctx context.Context, id string, fn func(*models.Room) (bool, error)) (*models.Room, error) {
	var room *models.Room
	err := r.store.Update(ctx, roomKey(id), r.cfg.RoomTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%s: %w", id, models.ErrRoomNotFound)
		}
		room = &models.Room{}
		if err := json.Unmarshal(current, room); err != nil {
			return nil, fmt.Errorf("%s: corrupted record: %w", id, models.ErrRoomNotFound)
		}
		normalize(room)
		changed, err := fn(room)
		if err != nil || !changed {
			return nil, err
		}
		derive(room)
		return json.Marshal(room)
	})
	if err != nil {
		return nil, err
	}
	r.mergeSeen(ctx, room)
	return room, nil
}

// ListRooms returns every room in the store ordered by stake then age.
// Rooms that vanish or fail to decode mid-scan are skipped.
func (r *Registry) ListRooms(ctx context.Context) ([]*models.Room, error) {
	keys, err := r.store.Keys(ctx, roomKeyPattern)
	if err != nil {
		return nil, err
	}
	rooms := make([]*models.Room, 0, len(keys))
	for _, key := range keys {
		room, err := r.loadRoom(ctx, strings.TrimPrefix(key, "bingo:room:"))
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				r.log.WithField("key", key).Warnf("failed to load room: %v", err)
			}
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Stake != rooms[j].Stake {
			return rooms[i].Stake < rooms[j].Stake
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// ListRoomSummaries makes sure every configured stake room exists and returns the
// listing view of all rooms.
func (r *Registry) ListRoomSummaries(ctx context.Context) ([]models.RoomSummary, error) {
	for _, stake := range r.cfg.Stakes {
		if _, err := r.CreateOrGetRoom(ctx, stake); err != nil {
			return nil, err
		}
	}
	rooms, err := r.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Summary(now, r.cfg.ActiveWindow))
	}
	return out, nil
}

// Join seats p in roomID.
//
// A player whose identity is already seated is refreshed in place; a Telegram user arriving
// on a new connection takes over the existing seat. Otherwise the room must be waiting and
// have capacity, and the identity is first evicted from any other room it occupies.
// Reaching the auto-start threshold moves the room into its countdown.
//
// The session entry is written before the seat, so a reconciliation pass never sees the
// new seat without its session.
func (r *Registry) Join(ctx context.Context, roomID string, p models.Player) (*models.Room, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("player id required: %w", models.ErrInvalid)
	}
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	identity := p.Identity()
	logger := r.log.WithFields(logrus.Fields{"room": roomID, "player": p.ID})

	if room.IndexOfIdentity(identity) < 0 {
		if err := r.admits(room); err != nil {
			return nil, err
		}
		r.evictElsewhere(ctx, roomID, p)
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeenAt = now
	if err := r.sessions.Bind(ctx, p, roomID); err != nil {
		return nil, err
	}

	var (
		previousID string
		rejoined   bool
		starting   bool
	)
	room, err = r.Update(ctx, roomID, func(room *models.Room) error {
		previousID, rejoined, starting = "", false, false
		if idx := room.IndexOfIdentity(identity); idx >= 0 {
			seat := room.Players[idx]
			previousID = seat.ID
			seat.ID = p.ID
			if p.Name != "" {
				seat.Name = p.Name
			}
			seat.LastSeenAt = now
			room.Players[idx] = seat
			rejoined = true
			return nil
		}
		if err := r.admits(room); err != nil {
			return err
		}
		room.Players = append(room.Players, p)
		if len(room.Players) >= r.cfg.MinPlayers && len(room.Players) >= r.cfg.AutoStartThreshold(room.MaxPlayers) {
			start := now.Add(r.cfg.AutoStartDelay)
			room.Status = models.RoomStarting
			room.GameStartTime = &start
			starting = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			if err := r.sessions.Unbind(ctx, p, roomID); err != nil {
				logger.Warnf("failed to unbind rejected session: %v", err)
			}
		}
		return nil, err
	}

	if rejoined {
		if previousID != p.ID {
			logger.Infof("session replaced %s on reconnect", previousID)
			if err := r.sessions.Unbind(ctx, models.Player{ID: previousID}, roomID); err != nil {
				logger.Warnf("failed to unbind replaced session: %v", err)
			}
			if err := r.store.HDel(ctx, seenKey(roomID), previousID); err != nil {
				logger.Debugf("failed to drop heartbeat: %v", err)
			}
			seat := room.Players[room.IndexOfPlayer(p.ID)]
			if err := moveBoard(ctx, r.store, roomID, previousID, seat, r.cfg.BoardTTL); err != nil {
				logger.Warnf("failed to move board selection: %v", err)
			}
		}
		r.events.Publish(ctx, roomEvent(room))
		return room, nil
	}

	logger.WithField("players", len(room.Players)).Info("player joined")
	r.events.Publish(ctx, roomEvent(room))
	if starting {
		logger.Infof("room reached %d players, game starts at %s", len(room.Players), room.GameStartTime.Format(time.RFC3339))
		if r.OnStarting != nil {
			r.OnStarting(roomID)
		}
	}
	return room, nil
}

// admits reports why a new identity cannot take a seat in room, if it cannot.
func (r *Registry) admits(room *models.Room) error {
	if len(room.Players) >= room.MaxPlayers {
		return fmt.Errorf("%s: %w", room.ID, models.ErrRoomFull)
	}
	if room.Status != models.RoomWaiting {
		return fmt.Errorf("%s: %w", room.ID, models.ErrAlreadyStarted)
	}
	return nil
}

// evictElsewhere removes p's identity from whichever other room the session index places it in.
func (r *Registry) evictElsewhere(ctx context.Context, roomID string, p models.Player) {
	identity := p.Identity()
	prev, ok, err := r.sessions.Lookup(ctx, identity)
	if err != nil {
		r.log.WithField("player", p.ID).Warnf("failed to look up session: %v", err)
		return
	}
	if !ok || prev == roomID {
		return
	}
	_, removed, _, err := r.evict(ctx, prev, func(seat models.Player) bool {
		return seat.Identity() == identity
	}, false)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		r.log.WithFields(logrus.Fields{"room": prev, "player": p.ID}).Warnf("failed to evict from previous room: %v", err)
		return
	}
	if len(removed) > 0 {
		r.log.WithFields(logrus.Fields{"room": prev, "player": p.ID}).Info("evicted from previous room")
	}
}

// Leave removes a session from whatever room it occupies. It returns (nil, nil) when the
// session is not seated anywhere. A room left empty is reset.
func (r *Registry) Leave(ctx context.Context, playerID string) (*models.Room, error) {
	roomID, err := r.findPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, nil
	}
	room, removed, _, err := r.evict(ctx, roomID, func(p models.Player) bool {
		return p.ID == playerID
	}, false)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	r.log.WithFields(logrus.Fields{"room": roomID, "player": playerID}).Info("player left")
	return room, nil
}

// findPlayer resolves the room a session sits in, first through the session index and
// then by scanning every room when the index is stale or missing.
func (r *Registry) findPlayer(ctx context.Context, playerID string) (string, error) {
	roomID, ok, err := r.sessions.LookupPlayer(ctx, playerID)
	if err != nil {
		return "", err
	}
	if ok {
		room, err := r.loadRoom(ctx, roomID)
		if err == nil && room.HasPlayer(playerID) {
			return roomID, nil
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return "", err
		}
	}
	rooms, err := r.ListRooms(ctx)
	if err != nil {
		return "", err
	}
	for _, room := range rooms {
		if room.HasPlayer(playerID) {
			return room.ID, nil
		}
	}
	return "", nil
}

// Touch records a sign of life for a seated session and refreshes its session entry.
// Heartbeats live in their own hash and never rewrite the room record.
func (r *Registry) Touch(ctx context.Context, roomID, playerID string) error {
	room, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	idx := room.IndexOfPlayer(playerID)
	if idx < 0 {
		return models.ErrNotInRoom
	}
	key := seenKey(roomID)
	if err := r.store.HSet(ctx, key, playerID, []byte(strconv.FormatInt(r.now().UnixNano(), 10))); err != nil {
		return err
	}
	if err := r.store.Expire(ctx, key, r.cfg.RoomTTL); err != nil {
		r.log.WithField("room", roomID).Debugf("failed to refresh heartbeat ttl: %v", err)
	}
	return r.sessions.Bind(ctx, room.Players[idx], roomID)
}

// ClearBoards drops every board selection in a room.
func (r *Registry) ClearBoards(ctx context.Context, roomID string) error {
	return clearBoards(ctx, r.store, roomID)
}

// evict removes every seat matching match from roomID, releases their boards and session
// entries, and resets the room if it emptied (or, with resetBelowMin, fell below the
// minimum while a game was underway). It reports the removed players and whether it reset.
func (r *Registry) evict(ctx context.Context, roomID string, match func(models.Player) bool, resetBelowMin bool) (*models.Room, []models.Player, bool, error) {
	var (
		removed []models.Player
		reset   bool
	)
	room, err := r.modify(ctx, roomID, func(room *models.Room) (bool, error) {
		removed, reset = nil, false
		ids := make(map[string]bool)
		for _, p := range room.Players {
			if match(p) {
				ids[p.ID] = true
			}
		}
		if len(ids) == 0 {
			return false, nil
		}
		removed = room.RemovePlayers(ids)
		reset = len(room.Players) == 0 ||
			(resetBelowMin && room.Status.InProgress() && len(room.Players) < r.cfg.MinPlayers)
		if reset {
			room.ResetToWaiting()
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if len(removed) == 0 {
		return room, nil, false, nil
	}

	logger := r.log.WithField("room", roomID)
	playerIDs := make([]string, 0, len(removed))
	for _, p := range removed {
		playerIDs = append(playerIDs, p.ID)
		if err := r.sessions.Unbind(ctx, p, roomID); err != nil {
			logger.WithField("player", p.ID).Warnf("failed to unbind session: %v", err)
		}
	}
	if err := r.store.HDel(ctx, seenKey(roomID), playerIDs...); err != nil {
		logger.Debugf("failed to drop heartbeats: %v", err)
	}
	released, err := releaseBoards(ctx, r.store, roomID, playerIDs...)
	if err != nil {
		logger.Warnf("failed to release boards: %v", err)
	}
	for _, sel := range released {
		r.events.Publish(ctx, boardEvent(fanout.EventBoardRemoved, sel))
	}
	r.events.Publish(ctx, roomEvent(room))

	if reset {
		logger.Info("room reset")
		if r.OnReset != nil {
			r.OnReset(ctx, roomID)
		}
	}
	return room, removed, reset, nil
}

func roomEvent(room *models.Room) fanout.Event {
	return fanout.NewEvent(fanout.EventRoomUpdated, room.ID, map[string]interface{}{
		"room": room,
	})
}

func boardEvent(typ fanout.EventType, sel models.BoardSelection) fanout.Event {
	return fanout.NewEvent(typ, sel.RoomID, map[string]interface{}{
		"playerId":    sel.PlayerID,
		"playerName":  sel.PlayerName,
		"boardNumber": sel.BoardNumber,
	})
}
