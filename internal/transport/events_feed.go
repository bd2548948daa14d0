package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/mesh/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observer feed is read-only telemetry; origin checks are left to
	// the deployment's proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEventsFeed streams the node's event bus over a websocket. One
// subscription per connection; a consumer that stops reading gets
// disconnected rather than allowed to back up the bus.
func (s *Server) handleEventsFeed(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event feed disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("events feed upgrade failed: %v", err)
		return
	}

	sub := s.bus.Subscribe()
	go s.pumpEvents(conn, sub)
	go s.drainReads(conn)
}

// pumpEvents forwards bus events to the socket until a write fails.
func (s *Server) pumpEvents(conn *websocket.Conn, sub chan *events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.bus.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainReads consumes client frames so pong handling works; any read
// error closes the connection and unwinds the pump.
func (s *Server) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}
