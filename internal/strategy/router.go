package strategy

import (
	"net/url"
	"path"
	"strings"
)

// Policy names a caching algorithm.
type Policy string

const (
	PolicyCacheFirst           Policy = "cache-first"
	PolicyStaleWhileRevalidate Policy = "stale-while-revalidate"
	PolicyNetworkFirst         Policy = "network-first"
	PolicyPassthrough          Policy = "passthrough"
	PolicyNetworkFallback      Policy = "network-first-fallback"
	// PolicyNetworkOnly applies to non-GET requests, which are never cached.
	PolicyNetworkOnly Policy = "network-only"
)

// Routes holds the URL classification tables.
type Routes struct {
	// StaticSuffixes are path extensions served cache-first, e.g. ".png".
	StaticSuffixes []string
	// StaticPrefixes are path prefixes served cache-first, e.g. "/fonts/".
	StaticPrefixes []string
	// StaleWhileRevalidate are API path prefixes served from cache and refreshed in the background.
	StaleWhileRevalidate []string
	// NetworkFirst are API path prefixes that must be fresh when possible.
	NetworkFirst []string
	// PassthroughHosts are trusted third-party hosts (map tiles, geocoding).
	PassthroughHosts []string
}

// DefaultRoutes returns the tables used when configuration leaves them empty.
func DefaultRoutes() Routes {
	return Routes{
		StaticSuffixes: []string{
			".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
			".woff", ".woff2", ".ttf", ".otf", ".js", ".css",
		},
		StaticPrefixes:       []string{"/images/", "/fonts/", "/icons/", "/static/"},
		StaleWhileRevalidate: []string{"/api/weather", "/api/alerts", "/api/points"},
		NetworkFirst:         []string{"/api/emergency"},
		PassthroughHosts: []string{
			"tile.openstreetmap.org", "a.tile.openstreetmap.org", "b.tile.openstreetmap.org",
			"c.tile.openstreetmap.org", "nominatim.openstreetmap.org",
		},
	}
}

// Rule is one entry of the routing table.
type Rule struct {
	Name   string
	Policy Policy
	Match  func(u *url.URL) bool
}

// Router classifies request URLs by evaluating its rules top to bottom.
type Router struct {
	originHost string
	hosts      map[string]bool
	rules      []Rule
}

// NewRouter builds the routing table for routes. originHost is the host
// whose absolute URLs are treated like origin-relative ones.
func NewRouter(routes Routes, originHost string) *Router {
	r := &Router{
		originHost: strings.ToLower(originHost),
		hosts:      make(map[string]bool, len(routes.PassthroughHosts)),
	}
	for _, h := range routes.PassthroughHosts {
		r.hosts[strings.ToLower(strings.TrimSpace(h))] = true
	}

	suffixes := lowerAll(routes.StaticSuffixes)
	r.rules = []Rule{
		{Name: "static-asset", Policy: PolicyCacheFirst, Match: r.onOrigin(func(p string) bool {
			ext := strings.ToLower(path.Ext(p))
			for _, s := range suffixes {
				if ext == s {
					return true
				}
			}
			return hasAnyPrefix(p, routes.StaticPrefixes)
		})},
		{Name: "stale-while-revalidate", Policy: PolicyStaleWhileRevalidate, Match: r.onOrigin(func(p string) bool {
			return hasAnyPrefix(p, routes.StaleWhileRevalidate)
		})},
		{Name: "network-first", Policy: PolicyNetworkFirst, Match: r.onOrigin(func(p string) bool {
			return hasAnyPrefix(p, routes.NetworkFirst)
		})},
		{Name: "passthrough", Policy: PolicyPassthrough, Match: func(u *url.URL) bool {
			return u.IsAbs() && r.hosts[strings.ToLower(u.Hostname())]
		}},
		{Name: "default", Policy: PolicyNetworkFallback, Match: func(*url.URL) bool { return true }},
	}
	return r
}

// Rules returns a copy of the routing table in evaluation order.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Classify returns the policy of the first matching rule.
func (r *Router) Classify(u *url.URL) Policy {
	for _, rule := range r.rules {
		if rule.Match(u) {
			return rule.Policy
		}
	}
	return PolicyNetworkFallback
}

// IsOrigin reports whether u is origin-relative or targets the origin host.
func (r *Router) IsOrigin(u *url.URL) bool {
	return !u.IsAbs() && u.Host == "" || strings.EqualFold(u.Host, r.originHost)
}

// Allowed reports whether u may be proxied: the origin or a passthrough host.
func (r *Router) Allowed(u *url.URL) bool {
	return r.IsOrigin(u) || r.hosts[strings.ToLower(u.Hostname())]
}

func (r *Router) onOrigin(match func(path string) bool) func(*url.URL) bool {
	return func(u *url.URL) bool {
		if !r.IsOrigin(u) {
			return false
		}
		p := u.Path
		if p == "" {
			p = "/"
		}
		return match(p)
	}
}

// hasAnyPrefix matches on path segment boundaries: "/api/weather" matches
// "/api/weather" and "/api/weather/today" but not "/api/weatherstation".
func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if len(p) == len(prefix) || strings.HasSuffix(prefix, "/") || p[len(prefix)] == '/' {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		out = append(out, s)
	}
	return out
}
