// Package notify keeps the open page sessions: it pushes notifications to
// them over websockets and routes their control messages.
package notify

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/offline-resilience/internal/models"
	"github.com/kjstillabower/offline-resilience/internal/observability"
)

// ErrClosed is returned by ServeWS after Close.
var ErrClosed = errors.New("notify: hub closed")

// ControlHandler answers a control message. The reply is JSON-encoded and
// sent back to the originating session only.
type ControlHandler func(ctx context.Context, msg models.ControlMessage) any

// Hub tracks page sessions and the cache version each one runs under.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]*session
	closed   bool

	nextID   atomic.Uint64
	control  atomic.Pointer[ControlHandler]
	upgrader websocket.Upgrader
	pumps    sync.WaitGroup
	now      func() time.Time
	logger   *zap.Logger
}

// NewHub returns an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uint64]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		now:    time.Now,
		logger: logger,
	}
}

// SetControlHandler installs the handler for inbound control messages.
func (h *Hub) SetControlHandler(fn ControlHandler) {
	h.control.Store(&fn)
}

// ServeWS upgrades the request to a websocket session. The version query
// parameter tags the session with the cache version its page runs under.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := newSession(h.nextID.Add(1), conn, r.URL.Query().Get("version"))
	if !h.register(s) {
		_ = conn.Close()
		return
	}
	h.logger.Info("session connected", zap.Uint64("session", s.id), zap.String("version", s.version))

	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		s.writePump(h.logger)
	}()
	go func() {
		defer h.pumps.Done()
		s.readPump(h.handleInbound, h.logger)
		h.unregister(s)
		h.logger.Info("session disconnected", zap.Uint64("session", s.id))
	}()
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	observability.NotifySessions.Set(float64(len(h.sessions)))
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	delete(h.sessions, s.id)
	s.closeSend()
	observability.NotifySessions.Set(float64(len(h.sessions)))
}

// Broadcast sends n to every session. Sessions whose queue is full miss it.
func (h *Hub) Broadcast(n models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("encode notification", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.ordered() {
		h.deliver(s, n.Type, payload)
	}
}

// deliver queues payload on s. Callers hold h.mu.
func (h *Hub) deliver(s *session, kind string, payload []byte) {
	if s.enqueue(payload) {
		observability.NotificationsSentTotal.WithLabelValues(kind).Inc()
		return
	}
	h.logger.Warn("session queue full, notification dropped",
		zap.Uint64("session", s.id), zap.String("type", kind))
}

// ordered returns sessions by id so delivery order is stable. Callers hold h.mu.
func (h *Hub) ordered() []*session {
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CountStale returns the number of sessions tagged with a version other than
// version. Untagged sessions are not counted.
func (h *Hub) CountStale(version string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		if s.version != "" && s.version != version {
			n++
		}
	}
	return n
}

// Versions returns the number of sessions per version tag.
func (h *Hub) Versions() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range h.sessions {
		out[s.version]++
	}
	return out
}

// Claim re-tags every open session with version and tells each one
// CONTROLLER_CHANGED. Returns the number of sessions claimed.
func (h *Hub) Claim(version string) int {
	payload, err := json.Marshal(models.Notification{
		Type:      models.NotificationControllerChanged,
		Version:   version,
		Timestamp: h.now(),
	})
	if err != nil {
		h.logger.Error("encode claim notification", zap.Error(err))
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.ordered() {
		s.version = version
		h.deliver(s, models.NotificationControllerChanged, payload)
	}
	return len(h.sessions)
}

func (h *Hub) handleInbound(s *session, raw []byte) {
	var msg models.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		observability.ControlMessagesTotal.WithLabelValues("invalid", "error").Inc()
		h.reply(s, map[string]string{"type": "error", "error": "invalid control message"})
		return
	}
	if msg.Type == "ping" {
		h.reply(s, map[string]string{"type": "pong"})
		return
	}
	fn := h.control.Load()
	if fn == nil {
		h.reply(s, map[string]string{"type": msg.Type, "error": "control messages not accepted"})
		return
	}
	h.reply(s, (*fn)(context.Background(), msg))
}

func (h *Hub) reply(s *session, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode control reply", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	if !s.enqueue(payload) {
		h.logger.Warn("session queue full, reply dropped", zap.Uint64("session", s.id))
	}
}

// Close disconnects every session and waits for their goroutines until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for id, s := range h.sessions {
		delete(h.sessions, id)
		s.closeSend()
	}
	observability.NotifySessions.Set(0)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
