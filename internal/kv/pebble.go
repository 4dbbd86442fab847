package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Key layout shared by the ordered engines (Pebble, Badger):
//
//	\x01<table>            table marker, empty value
//	\x02<table>\x00<key>   row
const (
	markerPrefix byte = 0x01
	rowPrefix    byte = 0x02
)

func markerKey(table string) []byte {
	return append([]byte{markerPrefix}, table...)
}

func rowTablePrefix(table string) []byte {
	b := make([]byte, 0, len(table)+2)
	b = append(b, rowPrefix)
	b = append(b, table...)
	return append(b, 0)
}

func rowKey(table, key string) []byte {
	return append(rowTablePrefix(table), key...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore is a Pebble LSM-tree backed Store.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// OpenPebble opens (creating if needed) a Pebble database at path.
func OpenPebble(path string, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{Logger: &pebbleLogger{logger}})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Info("pebble storage opened", zap.String("path", path))
	return &PebbleStore{db: db, path: path, logger: logger}, nil
}

func (p *PebbleStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, closer, err := p.db.Get(rowKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return append([]byte(nil), data...), nil
}

func (p *PebbleStore) Put(ctx context.Context, table, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(markerKey(table), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(rowKey(table, key), value, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleStore) CreateTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Set(markerKey(table), nil, pebble.Sync); err != nil {
		return fmt.Errorf("pebble create table: %w", err)
	}
	return nil
}

func (p *PebbleStore) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Delete(rowKey(table, key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleStore) Keys(ctx context.Context, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := rowTablePrefix(table)
	return p.scan(prefix)
}

func (p *PebbleStore) scan(prefix []byte) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleStore) ReplaceTable(ctx context.Context, table string, rows map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := rowTablePrefix(table)
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Set(markerKey(table), nil, nil); err != nil {
		return err
	}
	for k, v := range rows {
		if err := batch.Set(rowKey(table, k), v, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble replace %s: %w", table, err)
	}
	return nil
}

func (p *PebbleStore) DropTable(ctx context.Context, table string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, closer, err := p.db.Get(markerKey(table))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get marker: %w", err)
	}
	closer.Close()

	prefix := rowTablePrefix(table)
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return false, err
	}
	if err := batch.Delete(markerKey(table), nil); err != nil {
		return false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble drop %s: %w", table, err)
	}
	return true, nil
}

func (p *PebbleStore) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.scan([]byte{markerPrefix})
}

// Close flushes and closes the database.
func (p *PebbleStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Debugf(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
