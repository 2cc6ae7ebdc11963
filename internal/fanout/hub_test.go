package fanout

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(4, quietLogger())
	roomSub := h.Subscribe("r1")
	otherSub := h.Subscribe("r2")
	globalSub := h.Subscribe(GlobalRoom)

	h.Broadcast(NewEvent(EventNumberCalled, "r1", map[string]interface{}{"number": 7}))

	ev := <-roomSub.Events()
	assert.Equal(t, EventNumberCalled, ev.Type)
	ev = <-globalSub.Events()
	assert.Equal(t, "r1", ev.RoomID)

	select {
	case ev := <-otherSub.Events():
		t.Fatalf("r2 subscriber should not see r1 events, got %v", ev)
	default:
	}
}

func TestHubDropsFullSubscriber(t *testing.T) {
	h := NewHub(1, quietLogger())
	sub := h.Subscribe("r1")

	h.Deliver("r1", NewEvent(EventHeartbeat, "r1", nil))
	h.Deliver("r1", NewEvent(EventHeartbeat, "r1", nil)) // inbox full -> dropped

	assert.Equal(t, 0, h.Count("r1"))
	_, ok := <-sub.Events()
	require.True(t, ok, "buffered event still readable")
	_, ok = <-sub.Events()
	assert.False(t, ok, "inbox closed after drop")
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	h := NewHub(1, quietLogger())
	sub := h.Subscribe("r1")
	sub.Close()
	sub.Close()
	assert.Empty(t, h.Keys())
}
