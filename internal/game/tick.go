package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const tickParallelism = 8

// TickReport summarizes one Tick.
type TickReport struct {
	Promoted int `json:"promoted"`
	Called   int `json:"called"`
	Reset    int `json:"reset"`
	Skipped  int `json:"skipped"`
	Failures int `json:"failures"`
}

// Tick is the external trigger for rooms no local timer or caller loop is driving, e.g.
// after the instance that owned them went away. It promotes countdowns that are due,
// calls a number for active rooms with no live caller marker whose last call is older
// than the call interval, and resets finished rooms once they have been shown long enough.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	var report TickReport
	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		s.log.Warnf("tick: failed to list rooms: %v", err)
		report.Failures++
		return report
	}

	now := s.now()
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(tickParallelism)
	for _, room := range rooms {
		g.Go(func() error {
			outcome, err := s.tickRoom(ctx, room, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.WithField("room", room.ID).Warnf("tick: %v", err)
				report.Failures++
				return nil
			}
			switch outcome {
			case tickPromoted:
				report.Promoted++
			case tickCalled:
				report.Called++
			case tickReset:
				report.Reset++
			case tickSkipped:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Promoted+report.Called+report.Reset+report.Failures > 0 {
		s.log.WithFields(logrus.Fields{
			"promoted": report.Promoted,
			"called":   report.Called,
			"reset":    report.Reset,
			"failures": report.Failures,
		}).Debug("tick complete")
	}
	return report
}

type tickOutcome int

const (
	tickIdle tickOutcome = iota
	tickPromoted
	tickCalled
	tickReset
	tickSkipped
)

func (s *Scheduler) tickRoom(ctx context.Context, room *models.Room, now time.Time) (tickOutcome, error) {
	switch room.Status {
	case models.RoomStarting:
		if room.GameStartTime != nil && now.Before(*room.GameStartTime) {
			return tickIdle, nil
		}
		ok, err := s.ActivateIfStarting(ctx, room.ID)
		if err != nil || !ok {
			return tickIdle, err
		}
		return tickPromoted, nil

	case models.RoomActive:
		live, err := s.callerLive(ctx, room.ID)
		if err != nil {
			return tickIdle, err
		}
		if live {
			return tickSkipped, nil
		}
		state, err := s.GetGame(ctx, room.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return tickIdle, err
		}
		if state != nil && now.Sub(state.LastUpdate) < s.cfg.Interval {
			return tickIdle, nil
		}
		res, err := s.CallNextNumber(ctx, room.ID)
		if err != nil || !res.Called {
			return tickIdle, err
		}
		return tickCalled, nil

	case models.RoomFinished:
		hold := s.rooms.Config().FinishedHold
		state, err := s.GetGame(ctx, room.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return tickIdle, err
		}
		if state != nil && now.Sub(state.LastUpdate) < hold {
			return tickIdle, nil
		}
		if _, _, err := s.ResetGame(ctx, room.ID); err != nil {
			return tickIdle, err
		}
		return tickReset, nil
	}
	return tickIdle, nil
}

// callerLive reports whether some instance holds a caller marker for the room.
func (s *Scheduler) callerLive(ctx context.Context, roomID string) (bool, error) {
	_, err := s.store.Get(ctx, callerKey(roomID))
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
