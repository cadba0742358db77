package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	tapTimeout     = 5 * time.Second
)

// wsMessage is both the client request and the server frame.
type wsMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	TapCount  *int64    `json:"tapCount,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	userID int64

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue drops the frame when the client is gone or too slow.
func (c *wsClient) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		userID: UserIDFrom(r.Context()),
		send:   make(chan []byte, sendBuffer),
	}
	s.addClient(c)
	defer s.removeClient(c)

	go s.writePump(c)

	reqID := middleware.GetReqID(r.Context())
	if stats, err := s.engine.Stats(r.Context(), c.userID); err == nil {
		s.sendFrame(c, wsMessage{Type: "stats", Data: stats})
	} else {
		s.sendError(c, "", reqID, err)
	}
	s.readPump(r.Context(), c, reqID)
}

func (s *Server) addClient(c *wsClient) {
	s.wsMu.Lock()
	s.wsClients[c] = struct{}{}
	s.wsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WSConnected()
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.wsMu.Lock()
	_, ok := s.wsClients[c]
	delete(s.wsClients, c)
	s.wsMu.Unlock()
	c.close()
	if ok && s.metrics != nil {
		s.metrics.WSDisconnected()
	}
}

func (s *Server) readPump(ctx context.Context, c *wsClient, reqID string) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Int64("user_id", c.userID).Msg("websocket closed")
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(c, "", reqID, NewInvalidRequestError("Malformed frame", nil))
			continue
		}
		s.handleFrame(ctx, c, reqID, msg)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *wsClient, reqID string, msg wsMessage) {
	switch msg.Type {
	case "tap":
		if !s.limiter.Allow(c.userID) {
			s.sendError(c, msg.ID, reqID, NewRateLimitError(1))
			return
		}
		tapCount := int64(1)
		if msg.TapCount != nil {
			tapCount = *msg.TapCount
		}
		tctx, cancel := context.WithTimeout(ctx, tapTimeout)
		res, err := s.engine.Tap(tctx, c.userID, tapCount)
		cancel()
		if err != nil {
			s.sendError(c, msg.ID, reqID, err)
			return
		}
		s.sendFrame(c, wsMessage{Type: "tap_result", ID: msg.ID, Data: res})
	case "stats":
		stats, err := s.engine.Stats(ctx, c.userID)
		if err != nil {
			s.sendError(c, msg.ID, reqID, err)
			return
		}
		s.sendFrame(c, wsMessage{Type: "stats", ID: msg.ID, Data: stats})
	case "ping":
		s.sendFrame(c, wsMessage{Type: "pong", ID: msg.ID})
	default:
		s.sendError(c, msg.ID, reqID, NewValidationError("Unknown frame type", map[string]any{"type": msg.Type}))
	}
}

func (s *Server) sendError(c *wsClient, id, reqID string, err error) {
	apiErr, status := classifyError(err)
	apiErr.RequestID = reqID
	if status >= 500 {
		s.log.Error().Err(err).Int64("user_id", c.userID).Msg("websocket frame failed")
	}
	s.sendFrame(c, wsMessage{Type: "error", ID: id, Error: apiErr})
}

func (s *Server) sendFrame(c *wsClient, msg wsMessage) {
	msg.Timestamp = time.Now().UTC()
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal websocket frame")
		return
	}
	if !c.enqueue(b) {
		// Slow consumer: closing the socket ends readPump.
		_ = c.conn.Close()
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
