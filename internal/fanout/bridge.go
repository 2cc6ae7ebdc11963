// internal/fanout/bridge.go
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	seqKey         = "bingo:events:seq"
	globalQueueKey = "bingo:events:global"
)

func roomQueueKey(roomID string) string {
	return "bingo:events:room:" + roomID
}

func channelFor(roomID string) string {
	return "bingo:events:" + roomID
}

// Bridge makes events produced on one instance visible to clients attached to another.
// Every published event is numbered from a shared counter, appended to its room's durable
// queue and the global queue, and delivered straight to this process's Hub. Run drains the
// queues for keys with local subscribers and forwards events other instances produced.
type Bridge struct {
	store  cache.Store
	hub    *Hub
	origin string
	cfg    config.Events
	log    logrus.FieldLogger

	mu      sync.Mutex
	cursors map[string]int64 // subscription key -> highest Seq seen
}

// NewBridge creates a bridge with a fresh instance origin id.
func NewBridge(store cache.Store, hub *Hub, cfg config.Events, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		store:   store,
		hub:     hub,
		origin:  uuid.NewString(),
		cfg:     cfg,
		log:     log,
		cursors: make(map[string]int64),
	}
}

// Origin identifies this instance in published events.
func (b *Bridge) Origin() string {
	return b.origin
}

// Hub returns the local connection registry.
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Publish implements Publisher.
func (b *Bridge) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Origin = b.origin

	fields := logrus.Fields{"event": ev.Type, "room": ev.RoomID}
	queues := []string{globalQueueKey}
	if ev.RoomID != "" {
		queues = append(queues, roomQueueKey(ev.RoomID))
	}
	var data []byte
	seq, err := b.store.AppendNumbered(ctx, seqKey, queues, b.cfg.QueueLen, b.cfg.TTL, func(seq int64) ([]byte, error) {
		ev.Seq = seq
		var err error
		data, err = json.Marshal(ev)
		return data, err
	})
	if err != nil {
		// local clients still hear about it; remote ones converge by polling
		b.log.WithFields(fields).Warnf("failed to queue event: %v", err)
		ev.Seq = 0
		b.hub.Broadcast(ev)
		return
	}
	ev.Seq = seq

	if err := b.store.Publish(ctx, channelFor(ev.RoomID), data); err != nil {
		b.log.WithFields(fields).Debugf("publish failed: %v", err)
	}

	b.hub.Broadcast(ev)
}

// Subscribe registers a local subscriber for roomID and starts its cursor at the
// current sequence so only events from now on are forwarded.
func (b *Bridge) Subscribe(ctx context.Context, roomID string) *Subscription {
	b.ensureCursor(ctx, roomID)
	return b.hub.Subscribe(roomID)
}

func (b *Bridge) ensureCursor(ctx context.Context, key string) {
	b.mu.Lock()
	_, ok := b.cursors[key]
	b.mu.Unlock()
	if ok {
		return
	}
	current := b.currentSeq(ctx)
	b.mu.Lock()
	if _, ok := b.cursors[key]; !ok {
		b.cursors[key] = current
	}
	b.mu.Unlock()
}

func (b *Bridge) currentSeq(ctx context.Context) int64 {
	raw, err := b.store.Get(ctx, seqKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			b.log.Warnf("failed to read event sequence: %v", err)
		}
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Drain forwards queued events produced by other instances to local subscribers
// and returns how many were delivered.
func (b *Bridge) Drain(ctx context.Context) int {
	keys := b.hub.Keys()
	live := make(map[string]bool, len(keys))
	delivered := 0

	for _, key := range keys {
		live[key] = true

		b.mu.Lock()
		cursor, ok := b.cursors[key]
		b.mu.Unlock()
		if !ok {
			b.ensureCursor(ctx, key)
			continue
		}

		queue := globalQueueKey
		if key != GlobalRoom {
			queue = roomQueueKey(key)
		}
		entries, err := b.store.Range(ctx, queue)
		if err != nil {
			b.log.WithField("room", key).Warnf("failed to read event queue: %v", err)
			continue
		}

		next := cursor
		for _, raw := range entries {
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if ev.Seq <= cursor {
				continue
			}
			if ev.Seq > next {
				next = ev.Seq
			}
			if ev.Origin == b.origin {
				continue
			}
			b.hub.Deliver(key, ev)
			delivered++
		}

		b.mu.Lock()
		if next > b.cursors[key] {
			b.cursors[key] = next
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	for key := range b.cursors {
		if !live[key] {
			delete(b.cursors, key)
		}
	}
	b.mu.Unlock()
	return delivered
}

// Run drains the queues every PollInterval until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	interval := b.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Drain(ctx); n > 0 {
				b.log.Debugf("bridge forwarded %d events", n)
			}
		}
	}
}
