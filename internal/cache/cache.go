// Package cache stores buffered HTTP responses in versioned namespaces on a
// kv.Store. A namespace is one kv table; an entry is keyed by the normalised
// request identity.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
)

// ErrMiss is returned by Match when the namespace holds no entry for the key.
var ErrMiss = errors.New("cache: no entry")

// Kind is the logical role of a namespace.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	// KindLegacy is the single-namespace layout of earlier releases. It is
	// never written but survives sweeps so a rollback finds its data.
	KindLegacy Kind = "offline"
)

// NamespaceName returns the namespace name of kind for version, e.g. static-v3.
func NamespaceName(kind Kind, version string) string {
	return string(kind) + "-" + version
}

// CurrentNames returns the static, dynamic and legacy names for version.
func CurrentNames(version string) []string {
	return []string{
		NamespaceName(KindStatic, version),
		NamespaceName(KindDynamic, version),
		NamespaceName(KindLegacy, version),
	}
}

// KindOf returns the kind encoded in a namespace name, or "" when unknown.
func KindOf(name string) Kind {
	for _, k := range []Kind{KindStatic, KindDynamic, KindLegacy} {
		if strings.HasPrefix(name, string(k)+"-") {
			return k
		}
	}
	return ""
}

// RequestKey returns the cache identity of a request: METHOD and URL with the
// fragment dropped and scheme and host lower-cased. Origin-relative URLs keep
// their relative form so entries do not depend on which host served them.
func RequestKey(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
	}
	return strings.ToUpper(method) + " " + c.String()
}

// KeyForRequest is RequestKey for r.
func KeyForRequest(r *http.Request) string {
	return RequestKey(r.Method, r.URL)
}

// Storage is the set of namespaces on one kv.Store.
type Storage struct {
	store kv.Store
}

// NewStorage returns a Storage on store.
func NewStorage(store kv.Store) *Storage {
	return &Storage{store: store}
}

// Open returns the named namespace, creating it if absent.
func (s *Storage) Open(ctx context.Context, name string) (*Namespace, error) {
	if !kv.ValidTableName(name) {
		return nil, fmt.Errorf("invalid namespace name %q", name)
	}
	if err := s.store.CreateTable(ctx, name); err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", name, err)
	}
	return s.Namespace(name), nil
}

// Namespace returns a handle on name without creating it. The first Put
// creates it.
func (s *Storage) Namespace(name string) *Namespace {
	return &Namespace{name: name, kind: KindOf(name), store: s.store}
}

// Names lists existing namespaces in ascending order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	names, err := s.store.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Delete removes the namespace and all of its entries. Returns false when it
// did not exist.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.store.DropTable(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	return ok, nil
}

// Ping checks backend reachability when the store is remote.
func (s *Storage) Ping() error {
	if p, ok := s.store.(kv.Pinger); ok {
		return p.Ping()
	}
	return nil
}

// Namespace is one versioned partition of cached responses.
type Namespace struct {
	name  string
	kind  Kind
	store kv.Store
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Kind returns the namespace kind.
func (n *Namespace) Kind() Kind { return n.kind }

// entry is the stored form of a response.
type entry struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// Match returns the entry stored under key, or ErrMiss.
func (n *Namespace) Match(ctx context.Context, key string) (models.Response, error) {
	raw, err := n.store.Get(ctx, n.name, key)
	if errors.Is(err, kv.ErrNotFound) {
		return models.Response{}, ErrMiss
	}
	if err != nil {
		return models.Response{}, fmt.Errorf("cache get %s: %w", n.name, err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Response{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	return models.Response{Status: e.Status, Header: e.Header, Body: e.Body, CapturedAt: e.CapturedAt}, nil
}

// Put stores resp under key, overwriting any previous entry.
func (n *Namespace) Put(ctx context.Context, key string, resp models.Response) error {
	raw, err := json.Marshal(entry{Status: resp.Status, Header: resp.Header, Body: resp.Body, CapturedAt: resp.CapturedAt})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := n.store.Put(ctx, n.name, key, raw); err != nil {
		return fmt.Errorf("cache put %s: %w", n.name, err)
	}
	return nil
}

// Keys lists the request keys held by the namespace.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.store.Keys(ctx, n.name)
}
