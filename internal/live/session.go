// ABOUTME: Websocket transport for the live hub
// ABOUTME: One session per connection: read pump for keepalive, write pump for events

package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go silent before it is dead.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so pings keep the deadline fresh.
	pingPeriod = 30 * time.Second
	// maxInboundSize caps client frames; the subscription is one-way.
	maxInboundSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// session pairs one websocket connection with one hub subscription.
type session struct {
	conn   *websocket.Conn
	userID string
	events <-chan *Event
	cancel context.CancelFunc
	logger *slog.Logger
}

// ServeWS upgrades GET /ws/chat?userId= and pumps hub events to the peer
// until either side goes away.
func ServeWS(hub *Hub) http.HandlerFunc {
	logger := slog.Default().With("component", "live")
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "userId query parameter is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		// The subscription must outlive the handler: upgraded connections
		// keep running after ServeHTTP returns.
		ctx, cancel := context.WithCancel(context.Background())
		events, subID := hub.Subscribe(ctx, userID)

		s := &session{
			conn:   conn,
			userID: userID,
			events: events,
			cancel: cancel,
			logger: logger.With("user_id", userID, "sub_id", subID),
		}
		s.logger.Info("live subscription opened")

		go s.writePump()
		go s.readPump()
	}
}

// readPump drains and discards client frames, keeping the pong deadline
// fresh. Its exit tears the session down.
func (s *session) readPump() {
	defer func() {
		s.cancel()
		s.conn.Close()
		s.logger.Info("live subscription closed")
	}()

	s.conn.SetReadLimit(maxInboundSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump serializes hub events as JSON text frames and keeps the
// connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.events:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode live event", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
