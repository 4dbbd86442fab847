package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
)

// TestNamespace_PutMatch verifies that Put stores a response and Match returns
// it with status, headers, body and capture time intact.
func TestNamespace_PutMatch(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(kv.NewMemoryStore())
	ns, err := s.Open(ctx, "dynamic-v1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := models.Response{
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"temp":21}`),
		CapturedAt: captured,
	}
	if err := ns.Put(ctx, "GET /api/weather", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := ns.Match(ctx, "GET /api/weather")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.Status != want.Status || string(got.Body) != string(want.Body) {
		t.Errorf("Match() = %+v, want %+v", got, want)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Match() Content-Type = %q", got.Header.Get("Content-Type"))
	}
	if !got.CapturedAt.Equal(captured) {
		t.Errorf("Match() CapturedAt = %v, want %v", got.CapturedAt, captured)
	}
}

func TestNamespace_Match_Miss(t *testing.T) {
	ctx := context.Background()
	ns := NewStorage(kv.NewMemoryStore()).Namespace("dynamic-v1")

	_, err := ns.Match(ctx, "GET /nothing")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Match() error = %v, want ErrMiss", err)
	}
}

// TestStorage_NamesAndDelete verifies namespace enumeration and removal.
func TestStorage_NamesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(kv.NewMemoryStore())
	for _, name := range []string{"static-v1", "dynamic-v1", "static-v2"} {
		if _, err := s.Open(ctx, name); err != nil {
			t.Fatalf("Open(%s) error = %v", name, err)
		}
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Names() = %v, want 3 namespaces", names)
	}

	ok, err := s.Delete(ctx, "static-v1")
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v, want true, nil", ok, err)
	}
	ok, err = s.Delete(ctx, "static-v1")
	if err != nil || ok {
		t.Errorf("second Delete() = %v, %v, want false, nil", ok, err)
	}
	names, _ = s.Names(ctx)
	if len(names) != 2 {
		t.Errorf("Names() after delete = %v", names)
	}
}

func TestStorage_Open_InvalidName(t *testing.T) {
	if _, err := NewStorage(kv.NewMemoryStore()).Open(context.Background(), ""); err == nil {
		t.Error("Open(\"\") error = nil, want error")
	}
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		method string
		raw    string
		want   string
	}{
		{"GET", "/api/weather?lat=1", "GET /api/weather?lat=1"},
		{"get", "/page#section", "GET /page"},
		{"GET", "", "GET /"},
		{"GET", "HTTPS://Tile.OpenStreetMap.org/1/2/3.png", "GET https://tile.openstreetmap.org/1/2/3.png"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("url.Parse(%q) error = %v", tt.raw, err)
		}
		if got := RequestKey(tt.method, u); got != tt.want {
			t.Errorf("RequestKey(%q, %q) = %q, want %q", tt.method, tt.raw, got, tt.want)
		}
	}
}

func TestNamespaceNames(t *testing.T) {
	got := CurrentNames("v7")
	want := []string{"static-v7", "dynamic-v7", "offline-v7"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CurrentNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if KindOf("dynamic-v7") != KindDynamic {
		t.Errorf("KindOf(dynamic-v7) = %q", KindOf("dynamic-v7"))
	}
	if KindOf("other") != "" {
		t.Errorf("KindOf(other) = %q, want empty", KindOf("other"))
	}
}
