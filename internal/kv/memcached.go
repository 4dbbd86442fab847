package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/goccy/go-json"
)

const (
	memcachedKeyPrefix = "offline:"
	// memcached treats larger relative expirations as absolute unix times.
	maxRelativeExp = 30 * 24 * 60 * 60
	casRetries     = 8
	// maxIndexBytes keeps an index item below memcached's default 1 MB item limit.
	maxIndexBytes = 900 << 10
)

// ErrIndexFull is returned by MemcachedStore writes that would grow a table's
// key index past the item size limit. Existing keys stay writable.
var ErrIndexFull = errors.New("kv: memcached table index full")

// MemcachedStore implements Store on memcached. memcached cannot enumerate
// keys, so table and key listings are kept in index items updated with
// compare-and-swap. Every item expires after the configured TTL; a dropped
// table's rows become unreachable immediately and are evicted on expiry.
type MemcachedStore struct {
	client        *memcache.Client
	expiration    int32
	maxIndexBytes int
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
// ttl bounds item lifetime and is clamped to memcached's 30 day maximum.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	expSec := int32(ttl.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	return &MemcachedStore{client: client, expiration: expSec, maxIndexBytes: maxIndexBytes}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// hashed keeps memcached keys within 250 bytes and free of whitespace.
func hashed(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:20])
}

func (m *MemcachedStore) rowItemKey(table, key string) string {
	return memcachedKeyPrefix + "row:" + hashed(table, key)
}

func (m *MemcachedStore) keysItemKey(table string) string {
	return memcachedKeyPrefix + "keys:" + hashed(table)
}

func (m *MemcachedStore) tablesItemKey() string {
	return memcachedKeyPrefix + "tables"
}

func (m *MemcachedStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := m.readIndex(m.keysItemKey(table))
	if err != nil {
		return nil, err
	}
	if !slices.Contains(keys, key) {
		return nil, ErrNotFound
	}
	item, err := m.client.Get(m.rowItemKey(table, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memcached get: %w", err)
	}
	return item.Value, nil
}

func (m *MemcachedStore) Put(ctx context.Context, table, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rowKey := m.rowItemKey(table, key)
	if err := m.client.Set(&memcache.Item{Key: rowKey, Value: value, Expiration: m.expiration}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	if err := m.updateIndex(m.keysItemKey(table), func(keys []string) []string { return addSorted(keys, key) }); err != nil {
		if errors.Is(err, ErrIndexFull) {
			_ = m.client.Delete(rowKey)
		}
		return fmt.Errorf("table %s: %w", table, err)
	}
	return m.updateIndex(m.tablesItemKey(), func(tables []string) []string { return addSorted(tables, table) })
}

func (m *MemcachedStore) CreateTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.updateIndex(m.tablesItemKey(), func(tables []string) []string { return addSorted(tables, table) })
}

func (m *MemcachedStore) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.client.Delete(m.rowItemKey(table, key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcached delete: %w", err)
	}
	return m.updateIndex(m.keysItemKey(table), func(keys []string) []string { return remove(keys, key) })
}

func (m *MemcachedStore) Keys(ctx context.Context, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.readIndex(m.keysItemKey(table))
}

// ReplaceTable is not atomic on memcached: readers may briefly observe a mix
// of old and new rows.
func (m *MemcachedStore) ReplaceTable(ctx context.Context, table string, rows map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := sortedKeys(rows)
	if _, err := m.encodeIndex(keys); err != nil {
		return fmt.Errorf("table %s: %w", table, err)
	}
	old, err := m.readIndex(m.keysItemKey(table))
	if err != nil {
		return err
	}
	for k, v := range rows {
		if err := m.client.Set(&memcache.Item{Key: m.rowItemKey(table, k), Value: v, Expiration: m.expiration}); err != nil {
			return fmt.Errorf("memcached set: %w", err)
		}
	}
	if err := m.updateIndex(m.keysItemKey(table), func([]string) []string { return keys }); err != nil {
		return err
	}
	for _, k := range old {
		if _, keep := rows[k]; keep {
			continue
		}
		if err := m.client.Delete(m.rowItemKey(table, k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return fmt.Errorf("memcached delete: %w", err)
		}
	}
	return m.updateIndex(m.tablesItemKey(), func(tables []string) []string { return addSorted(tables, table) })
}

func (m *MemcachedStore) DropTable(ctx context.Context, table string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tables, err := m.readIndex(m.tablesItemKey())
	if err != nil {
		return false, err
	}
	if !slices.Contains(tables, table) {
		return false, nil
	}
	if err := m.updateIndex(m.tablesItemKey(), func(tables []string) []string { return remove(tables, table) }); err != nil {
		return false, err
	}
	keys, err := m.readIndex(m.keysItemKey(table))
	if err != nil {
		return true, err
	}
	if err := m.client.Delete(m.keysItemKey(table)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return true, fmt.Errorf("memcached delete index: %w", err)
	}
	for _, k := range keys {
		if err := m.client.Delete(m.rowItemKey(table, k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return true, fmt.Errorf("memcached delete: %w", err)
		}
	}
	return true, nil
}

func (m *MemcachedStore) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.readIndex(m.tablesItemKey())
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *MemcachedStore) Ping() error {
	return m.client.Ping()
}

// Close closes the memcached client connections.
func (m *MemcachedStore) Close() error {
	return m.client.Close()
}

func (m *MemcachedStore) readIndex(itemKey string) ([]string, error) {
	item, err := m.client.Get(itemKey)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memcached get index: %w", err)
	}
	var out []string
	if err := json.Unmarshal(item.Value, &out); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return out, nil
}

// encodeIndex marshals an index, failing with ErrIndexFull when the item
// would exceed the size limit.
func (m *MemcachedStore) encodeIndex(list []string) ([]byte, error) {
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	if m.maxIndexBytes > 0 && len(raw) > m.maxIndexBytes {
		return nil, fmt.Errorf("%w: %d entries, %d bytes", ErrIndexFull, len(list), len(raw))
	}
	return raw, nil
}

// updateIndex applies fn to the index item using add-or-CAS, retrying on
// concurrent modification.
func (m *MemcachedStore) updateIndex(itemKey string, fn func([]string) []string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		item, err := m.client.Get(itemKey)
		switch {
		case errors.Is(err, memcache.ErrCacheMiss):
			raw, err := m.encodeIndex(fn(nil))
			if err != nil {
				return err
			}
			err = m.client.Add(&memcache.Item{Key: itemKey, Value: raw, Expiration: m.expiration})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			return err
		case err != nil:
			return fmt.Errorf("memcached get index: %w", err)
		}
		var cur []string
		if err := json.Unmarshal(item.Value, &cur); err != nil {
			return fmt.Errorf("decode index: %w", err)
		}
		raw, err := m.encodeIndex(fn(cur))
		if err != nil {
			return err
		}
		item.Value = raw
		item.Expiration = m.expiration
		err = m.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return err
	}
	return fmt.Errorf("memcached index %s: too many concurrent updates", itemKey)
}

func addSorted(list []string, v string) []string {
	i, found := slices.BinarySearch(list, v)
	if found {
		return list
	}
	return slices.Insert(list, i, v)
}

func remove(list []string, v string) []string {
	i, found := slices.BinarySearch(list, v)
	if !found {
		return list
	}
	return slices.Delete(list, i, i+1)
}
