//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// IntegrationConfig holds the addresses of live backends used by integration tests.
type IntegrationConfig struct {
	MemcachedAddr string
	OriginURL     string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig() IntegrationConfig {
	cfg := IntegrationConfig{
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
		OriginURL:     os.Getenv("INTEGRATION_ORIGIN_URL"),
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// RequireMemcached returns the memcached address, skipping the test when no
// server answers there.
func RequireMemcached(t *testing.T) string {
	t.Helper()
	addr := GetIntegrationConfig().MemcachedAddr
	mc := memcache.New(addr)
	mc.Timeout = 500 * time.Millisecond
	if err := mc.Ping(); err != nil {
		t.Skipf("memcached not reachable at %s: %v", addr, err)
	}
	_ = mc.Close()
	return addr
}

// RequireOrigin returns the live origin URL, skipping the test when
// INTEGRATION_ORIGIN_URL is not set.
func RequireOrigin(t *testing.T) string {
	t.Helper()
	u := GetIntegrationConfig().OriginURL
	if u == "" {
		t.Skip("INTEGRATION_ORIGIN_URL not set, skipping integration test")
	}
	return u
}
