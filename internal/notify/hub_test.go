package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kjstillabower/offline-resilience/internal/models"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := hub.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, base, version string) *websocket.Conn {
	t.Helper()
	before := hub.Count()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws?version="+version, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitFor(t, func() bool { return hub.Count() > before })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, dst any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", raw, err)
	}
}

// TestHub_Broadcast verifies every session receives a notification.
func TestHub_Broadcast(t *testing.T) {
	hub, base := startHub(t)
	a := dial(t, hub, base, "v1")
	b := dial(t, hub, base, "v1")

	hub.Broadcast(models.Notification{Type: models.NotificationDataRefreshed, URL: "/api/weather"})

	for _, conn := range []*websocket.Conn{a, b} {
		var n models.Notification
		readJSON(t, conn, &n)
		if n.Type != models.NotificationDataRefreshed || n.URL != "/api/weather" {
			t.Errorf("notification = %+v, want DATA_REFRESHED for /api/weather", n)
		}
		if n.Timestamp.IsZero() {
			t.Error("notification timestamp is zero")
		}
	}
}

// TestHub_CountStaleAndClaim verifies version tracking and the claim notification.
func TestHub_CountStaleAndClaim(t *testing.T) {
	hub, base := startHub(t)
	old := dial(t, hub, base, "v1")
	dial(t, hub, base, "v2")
	dial(t, hub, base, "")

	if got := hub.CountStale("v2"); got != 1 {
		t.Errorf("CountStale(v2) = %d, want 1", got)
	}
	if got := hub.Claim("v2"); got != 3 {
		t.Errorf("Claim(v2) = %d, want 3", got)
	}
	if got := hub.CountStale("v2"); got != 0 {
		t.Errorf("CountStale(v2) after claim = %d, want 0", got)
	}
	if got := hub.Versions()["v2"]; got != 3 {
		t.Errorf("Versions()[v2] = %d, want 3", got)
	}

	var n models.Notification
	readJSON(t, old, &n)
	if n.Type != models.NotificationControllerChanged || n.Version != "v2" {
		t.Errorf("claim notification = %+v, want CONTROLLER_CHANGED v2", n)
	}
}

// TestHub_ControlRouting verifies control messages reach the handler and the
// reply returns to the sender only.
func TestHub_ControlRouting(t *testing.T) {
	hub, base := startHub(t)
	received := make(chan models.ControlMessage, 1)
	hub.SetControlHandler(func(ctx context.Context, msg models.ControlMessage) any {
		received <- msg
		return map[string]any{"type": msg.Type, "id": msg.ID, "caches": []string{"static-v1"}}
	})
	sender := dial(t, hub, base, "v1")

	if err := sender.WriteJSON(models.ControlMessage{Type: models.ControlGetCacheStatus, ID: "42"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	select {
	case msg := <-received:
		if msg.Type != models.ControlGetCacheStatus || msg.ID != "42" {
			t.Errorf("handler got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control handler not called")
	}

	var reply struct {
		Type   string   `json:"type"`
		ID     string   `json:"id"`
		Caches []string `json:"caches"`
	}
	readJSON(t, sender, &reply)
	if reply.ID != "42" || len(reply.Caches) != 1 {
		t.Errorf("reply = %+v, want id 42 with one cache", reply)
	}
}

// TestHub_InvalidControlMessage verifies malformed input gets an error reply.
func TestHub_InvalidControlMessage(t *testing.T) {
	hub, base := startHub(t)
	conn := dial(t, hub, base, "v1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var reply map[string]string
	readJSON(t, conn, &reply)
	if reply["error"] == "" {
		t.Errorf("reply = %v, want error", reply)
	}
}

// TestHub_DisconnectUnregisters verifies closed sessions leave the count.
func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, base := startHub(t)
	conn := dial(t, hub, base, "v1")
	_ = conn.Close()
	waitFor(t, func() bool { return hub.Count() == 0 })
}

// TestHub_CloseDisconnectsSessions verifies Close sends a close frame and rejects new sessions.
func TestHub_CloseDisconnectsSessions(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dial(t, hub, base, "v1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want close going away", err)
	}
	if _, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil); err == nil {
		t.Error("Dial() after Close succeeded, want error")
	}
}
