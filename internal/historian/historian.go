// Package historian drains the finished-game results queue into the archive.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// popTimeout bounds each blocking pop so flush deadlines and shutdown are noticed.
const popTimeout = time.Second

// maxPending caps how many results are held while the archive keeps failing.
const maxPending = 1000

// Archive persists finished games.
type Archive interface {
	SaveResults(ctx context.Context, results []models.GameResult) error
}

// Service pops GameResult records from a Redis list, accumulates them in a batch and
// flushes the batch to the archive when it is full or FlushDelay has passed.
type Service struct {
	rdb        *redis.Client
	queue      string
	archive    Archive
	batchSize  int
	flushDelay time.Duration
	log        logrus.FieldLogger

	mu        sync.Mutex
	batch     []models.GameResult
	lastFlush time.Time
}

// New creates a historian reading queue.
func New(rdb *redis.Client, queue string, archive Archive, cfg config.Historian, log logrus.FieldLogger) *Service {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}
	return &Service{
		rdb:        rdb,
		queue:      queue,
		archive:    archive,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		log:        log,
		batch:      make([]models.GameResult, 0, batchSize),
		lastFlush:  time.Now(),
	}
}

// Run consumes the queue until ctx is done, then flushes whatever is still batched.
func (s *Service) Run(ctx context.Context) {
	s.log.WithField("queue", s.queue).Info("historian started")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Flush(flushCtx)
		s.log.Info("historian stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.rdb.BLPop(ctx, popTimeout, s.queue).Result()
		switch {
		case err == nil && len(res) == 2:
			s.add(ctx, []byte(res[1]))
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return
		default:
			s.log.Warnf("BLPop: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(popTimeout):
			}
		}

		s.mu.Lock()
		due := len(s.batch) > 0 && time.Since(s.lastFlush) >= s.flushDelay
		s.mu.Unlock()
		if due {
			s.Flush(ctx)
		}
	}
}

func (s *Service) add(ctx context.Context, payload []byte) {
	var res models.GameResult
	if err := json.Unmarshal(payload, &res); err != nil || res.GameID == "" {
		s.log.Warnf("dropping invalid result record: %s", payload)
		return
	}
	s.mu.Lock()
	s.batch = append(s.batch, res)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()
	if full {
		s.Flush(ctx)
	}
}

// Flush writes the pending batch and returns how many results were archived. A failed
// batch is kept for the next flush.
func (s *Service) Flush(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	if len(s.batch) == 0 {
		return 0
	}

	if err := s.archive.SaveResults(ctx, s.batch); err != nil {
		s.log.WithField("pending", len(s.batch)).Errorf("failed to archive results: %v", err)
		if over := len(s.batch) - maxPending; over > 0 {
			s.log.Warnf("dropping %d oldest results", over)
			s.batch = append(s.batch[:0], s.batch[over:]...)
		}
		return 0
	}
	n := len(s.batch)
	s.batch = make([]models.GameResult, 0, s.batchSize)
	s.log.Infof("archived %d game results", n)
	return n
}
