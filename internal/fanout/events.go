// internal/fanout/events.go
package fanout

import (
	"context"
	"time"
)

// EventType names a state change pushed to clients.
type EventType string

const (
	EventRoomUpdated   EventType = "room_updated"
	EventGameStarted   EventType = "game_started"
	EventNumberCalled  EventType = "number_called"
	EventBingoClaimed  EventType = "bingo_claimed"
	EventGameFinished  EventType = "game_finished"
	EventGameReset     EventType = "game_reset"
	EventBoardSelected EventType = "board_selected"
	EventBoardRemoved  EventType = "board_removed"
	EventHeartbeat     EventType = "heartbeat" // liveness only, implies no state
)

// Event is a hint that authoritative state changed. Consumers re-fetch or merge;
// delivery is at-least-once, so handling the same Seq twice must be harmless.
type Event struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	Type      EventType              `json:"type"`
	RoomID    string                 `json:"roomId,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// NewEvent builds an event for a room with an optional payload.
func NewEvent(typ EventType, roomID string, payload map[string]interface{}) Event {
	return Event{Type: typ, RoomID: roomID, Payload: payload}
}

// Publisher distributes events. Publication is best effort: failures are logged by the
// implementation and never fail the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
