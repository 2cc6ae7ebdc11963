// internal/lobby/reconcile.go
package lobby

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Strategy selects how hard a reconciliation pass prunes.
type Strategy string

const (
	// Gentle drops stale guests and Telegram duplicates beyond the configured cap.
	Gentle Strategy = "gentle"
	// Aggressive drops every unprotected guest and keeps one seat per Telegram user.
	Aggressive Strategy = "aggressive"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Strategy       Strategy `json:"strategy"`
	RoomsScanned   int      `json:"roomsScanned"`
	PlayersRemoved int      `json:"playersRemoved"`
	RoomsReset     int      `json:"roomsReset"`
	Failures       int      `json:"failures"`
}

// Reconciler repairs room membership that has drifted from reality: sessions that went
// away without leaving, one Telegram user seated several times, seats whose session
// entry expired. It is idempotent and safe to run from any instance at any time.
type Reconciler struct {
	reg *Registry
	cfg config.Cleanup
	log logrus.FieldLogger
}

// NewReconciler creates a reconciler over reg.
func NewReconciler(reg *Registry, cfg config.Cleanup, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{reg: reg, cfg: cfg, log: log}
}

// Gentle runs a gentle pass. Session handles in protected are never removed.
func (c *Reconciler) Gentle(ctx context.Context, protected ...string) Report {
	return c.Run(ctx, Gentle, protected...)
}

// Aggressive runs an aggressive pass. Session handles in protected are never removed.
func (c *Reconciler) Aggressive(ctx context.Context, protected ...string) Report {
	return c.Run(ctx, Aggressive, protected...)
}

// Run executes one pass. A failure on one room is logged and never stops the others.
func (c *Reconciler) Run(ctx context.Context, strategy Strategy, protected ...string) Report {
	report := Report{Strategy: strategy}
	keep := make(map[string]bool, len(protected))
	for _, id := range protected {
		if id != "" {
			keep[id] = true
		}
	}

	rooms, err := c.reg.ListRooms(ctx)
	if err != nil {
		c.log.Warnf("reconcile: failed to list rooms: %v", err)
		report.Failures++
		return report
	}
	report.RoomsScanned = len(rooms)

	plan := c.plan(ctx, rooms, strategy, keep, c.reg.now())

	var mu sync.Mutex
	var g errgroup.Group
	limit := c.cfg.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, room := range rooms {
		ids := plan[room.ID]
		needsReset := len(room.Players) == 0 && room.Status != models.RoomWaiting
		if len(ids) == 0 && !needsReset {
			continue
		}
		roomID := room.ID
		g.Go(func() error {
			removed, reset, err := c.apply(ctx, roomID, ids)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.WithField("room", roomID).Warnf("reconcile: %v", err)
				report.Failures++
				return nil
			}
			report.PlayersRemoved += removed
			if reset {
				report.RoomsReset++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.PlayersRemoved > 0 || report.RoomsReset > 0 || report.Failures > 0 {
		c.log.WithFields(logrus.Fields{
			"strategy": strategy,
			"rooms":    report.RoomsScanned,
			"removed":  report.PlayersRemoved,
			"reset":    report.RoomsReset,
			"failures": report.Failures,
		}).Info("reconciliation pass complete")
	}
	return report
}

func (c *Reconciler) apply(ctx context.Context, roomID string, ids map[string]bool) (int, bool, error) {
	if len(ids) > 0 {
		_, removed, reset, err := c.reg.evict(ctx, roomID, func(p models.Player) bool { return ids[p.ID] }, true)
		return len(removed), reset, err
	}

	// an empty room stuck outside Waiting
	reset := false
	room, err := c.reg.Update(ctx, roomID, func(room *models.Room) error {
		reset = false
		if len(room.Players) == 0 && room.Status != models.RoomWaiting {
			room.ResetToWaiting()
			reset = true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if reset {
		if err := clearBoards(ctx, c.reg.store, roomID); err != nil {
			c.log.WithField("room", roomID).Warnf("failed to clear boards: %v", err)
		}
		c.reg.events.Publish(ctx, roomEvent(room))
		if c.reg.OnReset != nil {
			c.reg.OnReset(ctx, roomID)
		}
	}
	return 0, reset, nil
}

type seat struct {
	roomID string
	player models.Player
}

// plan decides, per room, which session handles to remove.
func (c *Reconciler) plan(ctx context.Context, rooms []*models.Room, strategy Strategy, protected map[string]bool, now time.Time) map[string]map[string]bool {
	plan := make(map[string]map[string]bool)
	mark := func(roomID, playerID string) {
		if protected[playerID] {
			return
		}
		if plan[roomID] == nil {
			plan[roomID] = make(map[string]bool)
		}
		plan[roomID][playerID] = true
	}

	byTelegram := make(map[int64][]seat)
	for _, room := range rooms {
		for _, p := range room.Players {
			if !c.sessionLive(ctx, p, room.ID) {
				mark(room.ID, p.ID)
				continue
			}
			if p.IsGuest() {
				if strategy == Aggressive || now.Sub(p.LastActive()) > c.cfg.GuestStaleAfter {
					mark(room.ID, p.ID)
				}
				continue
			}
			byTelegram[*p.TelegramID] = append(byTelegram[*p.TelegramID], seat{roomID: room.ID, player: p})
		}
	}

	limit := 1
	if strategy == Gentle && c.cfg.DuplicateSessionCap > 1 {
		limit = c.cfg.DuplicateSessionCap
	}
	for _, seats := range byTelegram {
		if len(seats) < 2 {
			continue
		}
		sort.SliceStable(seats, func(i, j int) bool {
			return seats[i].player.JoinedAt.After(seats[j].player.JoinedAt)
		})
		keeper := seats[0]
		for _, s := range seats {
			if protected[s.player.ID] {
				keeper = s
				break
			}
		}

		// the user stays in at most one room: the keeper's
		kept := 1
		for _, s := range seats {
			if s.roomID == keeper.roomID && s.player.ID == keeper.player.ID {
				continue
			}
			if s.roomID != keeper.roomID {
				mark(s.roomID, s.player.ID)
				continue
			}
			if protected[s.player.ID] || kept < limit {
				kept++
				continue
			}
			mark(s.roomID, s.player.ID)
		}
	}
	return plan
}

// sessionLive reports whether p's session entry still places it in roomID. Lookup
// failures count as live so a flaky store never empties rooms.
func (c *Reconciler) sessionLive(ctx context.Context, p models.Player, roomID string) bool {
	bound, ok, err := c.reg.sessions.LookupPlayer(ctx, p.ID)
	if err != nil {
		return true
	}
	return ok && bound == roomID
}
