// Package kv defines the table-oriented key/value interface that the cache
// namespaces and the offline store are built on, with one implementation per
// embedded or networked engine.
package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a set of named tables of byte values. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, table, key string) ([]byte, error)
	// Put creates or overwrites key. The table is created on first write.
	Put(ctx context.Context, table, key string, value []byte) error
	// CreateTable creates table if it does not exist yet.
	CreateTable(ctx context.Context, table string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, table, key string) error
	// Keys lists the keys of table in ascending order.
	Keys(ctx context.Context, table string) ([]string, error)
	// ReplaceTable clears table and writes rows in its place.
	ReplaceTable(ctx context.Context, table string, rows map[string][]byte) error
	// DropTable removes table and every key in it. Returns false if it did not exist.
	DropTable(ctx context.Context, table string) (bool, error)
	// Tables lists existing tables in ascending order.
	Tables(ctx context.Context) ([]string, error)
	// Close releases the underlying engine.
	Close() error
}

// Pinger is implemented by stores backed by a remote server.
type Pinger interface {
	Ping() error
}

// ValidTableName reports whether name can be used as a table name by every
// implementation: non-empty, at most 200 bytes, no NUL byte.
func ValidTableName(name string) bool {
	return name != "" && len(name) <= 200 && !strings.ContainsRune(name, 0)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
