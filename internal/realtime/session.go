package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumenclass/marginalia/backend/internal/annotation"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type outbound struct {
	messageType int
	payload     []byte
}

// Session is one client connection bound to a workspace room. Its lifecycle
// runs connecting (registered, awaiting state) to synced (state delivered)
// to disconnected.
type Session struct {
	ID          string
	Name        string
	Color       string
	workspaceID string
	conn        *websocket.Conn
	send        chan outbound
	mu          sync.Mutex
	closed      bool
}

// enqueue offers a payload to the write pump without blocking. It reports
// false when the session is closed or its buffer is full. The closed check
// and the send share the mutex with close, so a drop never races a
// broadcast into a closed channel.
func (s *Session) enqueue(message outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// readPump consumes frames until the connection drops. Binary frames are
// document deltas; malformed ones are dropped with a warning and the
// connection stays up.
func (s *Session) readPump(ctx context.Context, hub *Hub, doc *annotation.Doc) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Warn("session read failed",
					zap.String("workspace_id", s.workspaceID),
					zap.String("connection_id", s.ID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := doc.ApplyUpdate(payload, s.ID); err != nil {
			if errors.Is(err, annotation.ErrMalformedUpdate) {
				hub.logger.Warn("malformed update dropped",
					zap.String("workspace_id", s.workspaceID),
					zap.String("connection_id", s.ID),
					zap.Error(err))
				continue
			}
			hub.logger.Error("update apply failed",
				zap.String("workspace_id", s.workspaceID),
				zap.String("connection_id", s.ID),
				zap.Error(err))
			continue
		}
		if err := hub.manager.Flush(ctx, s.workspaceID); err != nil {
			hub.logger.Error("state flush failed",
				zap.String("workspace_id", s.workspaceID),
				zap.Error(err))
		}
	}
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with pings. It owns all writes to the socket.
func (s *Session) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := s.conn.WriteMessage(message.messageType, message.payload); err != nil {
				logger.Warn("session write failed",
					zap.String("workspace_id", s.workspaceID),
					zap.String("connection_id", s.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
