package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendQueueSize  = 64
)

// session is one connected page. version is guarded by Hub.mu.
type session struct {
	id      uint64
	conn    *websocket.Conn
	version string

	sendMu sync.Mutex
	send   chan []byte
	done   bool
}

func newSession(id uint64, conn *websocket.Conn, version string) *session {
	return &session{
		id:      id,
		conn:    conn,
		version: version,
		send:    make(chan []byte, sendQueueSize),
	}
}

// enqueue queues payload without blocking. Returns false when the queue is
// full or the session is closing.
func (s *session) enqueue(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.done {
		s.done = true
		close(s.send)
	}
}

// readPump delivers inbound text frames to handle until the connection fails.
func (s *session) readPump(handle func(*session, []byte), logger *zap.Logger) {
	defer func() { _ = s.conn.Close() }()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("unexpected websocket close", zap.Uint64("session", s.id), zap.Error(err))
			}
			return
		}
		handle(s, raw)
	}
}

// writePump writes queued payloads and keepalive pings. It sends a close
// frame once the queue is closed.
func (s *session) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed", zap.Uint64("session", s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
