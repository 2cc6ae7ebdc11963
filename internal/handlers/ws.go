package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/bingo/internal/auth"
	"github.com/jason-s-yu/bingo/internal/fanout"
	"github.com/jason-s-yu/bingo/internal/middleware"
	"github.com/jason-s-yu/bingo/internal/models"
	"github.com/sirupsen/logrus"
)

const wsSubprotocol = "bingo"

const wsWriteTimeout = 5 * time.Second

// SubscribeWSHandler streams a room's events (or every room's, for "global") to a client.
// The stream is one-way; clients act through the HTTP endpoints. An authenticated
// subscriber's seat is kept fresh on every heartbeat. A bad token or an unknown room
// closes the connection with its own close code.
func (s *BingoServer) SubscribeWSHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != wsSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the bingo subprotocol")
		return
	}

	var id *auth.Identity
	if requestToken(r) != "" {
		ident, err := identify(r)
		if err != nil {
			c.Close(InvalidAuthTokenError, "invalid or expired token")
			return
		}
		id = &ident
	}

	var room *models.Room
	if roomID != fanout.GlobalRoom {
		room, err = s.Rooms.GetRoom(r.Context(), roomID)
		if errors.Is(err, models.ErrNotFound) {
			c.Close(InvalidRoomIDError, "room not found")
			return
		}
		if err != nil {
			s.Logger.WithField("room", roomID).Warnf("websocket room lookup failed: %v", err)
			c.Close(websocket.StatusTryAgainLater, "store temporarily unavailable")
			return
		}
	}

	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)
	sub := s.Bridge.Subscribe(r.Context(), roomID)
	defer sub.Close()

	// Incoming frames are ignored; CloseRead handles control frames and cancels ctx on close.
	ctx := c.CloseRead(r.Context())

	logger := s.Logger.WithFields(logrus.Fields{"room": roomID, "remote": r.RemoteAddr})
	if id != nil {
		logger = logger.WithField("player", id.PlayerID)
	}
	err = s.writePump(ctx, c, sub, room, id, logger)
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, err)
}

// writePump sends the initial snapshot, then forwards events and heartbeats until the
// connection or the subscription ends.
func (s *BingoServer) writePump(ctx context.Context, c *websocket.Conn, sub *fanout.Subscription, room *models.Room, id *auth.Identity, logger logrus.FieldLogger) error {
	if room != nil {
		snapshot := fanout.NewEvent(fanout.EventRoomUpdated, room.ID, map[string]interface{}{"room": room})
		snapshot.CreatedAt = time.Now()
		if err := writeEvent(ctx, c, snapshot); err != nil {
			return err
		}
	}

	interval := s.Cfg.Events.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				c.Close(SlowConsumerError, "subscriber fell behind")
				return errors.New("subscription dropped")
			}
			if err := writeEvent(ctx, c, ev); err != nil {
				return err
			}

		case <-heartbeat.C:
			if id != nil && room != nil {
				if err := s.Rooms.Touch(ctx, room.ID, id.PlayerID); err != nil && !errors.Is(err, models.ErrNotInRoom) {
					logger.Debugf("heartbeat touch failed: %v", err)
				}
			}
			ev := fanout.NewEvent(fanout.EventHeartbeat, sub.RoomID, nil)
			ev.CreatedAt = time.Now()
			if err := writeEvent(ctx, c, ev); err != nil {
				return err
			}
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, ev fanout.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.Write(writeCtx, websocket.MessageText, data)
}
