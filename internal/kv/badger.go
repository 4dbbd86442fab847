package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore is a BadgerDB backed Store using the same key layout as PebbleStore.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a Badger database in dir.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{logger.Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %s: %w", dir, err)
	}
	logger.Info("badger storage opened", zap.String("dir", dir))
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(table, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("badger get: %w", err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) Put(ctx context.Context, table, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(markerKey(table), []byte{}); err != nil {
			return fmt.Errorf("set marker: %w", err)
		}
		if err := txn.Set(rowKey(table, key), value); err != nil {
			return fmt.Errorf("set row: %w", err)
		}
		return nil
	})
}

func (b *BadgerStore) CreateTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(markerKey(table), []byte{})
	})
}

func (b *BadgerStore) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(rowKey(table, key))
	})
}

func (b *BadgerStore) Keys(ctx context.Context, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.scan(rowTablePrefix(table))
}

func (b *BadgerStore) scan(prefix []byte) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (b *BadgerStore) ReplaceTable(ctx context.Context, table string, rows map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	old, err := b.scan(rowTablePrefix(table))
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range old {
			if _, keep := rows[k]; keep {
				continue
			}
			if err := txn.Delete(rowKey(table, k)); err != nil {
				return fmt.Errorf("delete row: %w", err)
			}
		}
		if err := txn.Set(markerKey(table), []byte{}); err != nil {
			return fmt.Errorf("set marker: %w", err)
		}
		for k, v := range rows {
			if err := txn.Set(rowKey(table, k), v); err != nil {
				return fmt.Errorf("set row: %w", err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) DropTable(ctx context.Context, table string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(markerKey(table))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil || !exists {
		return false, err
	}
	// The marker is deleted by exact key: as a prefix it would also match
	// tables whose name extends this one.
	if err := b.db.DropPrefix(rowTablePrefix(table)); err != nil {
		return false, fmt.Errorf("badger drop %s: %w", table, err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(markerKey(table))
	}); err != nil {
		return false, fmt.Errorf("badger drop marker %s: %w", table, err)
	}
	return true, nil
}

func (b *BadgerStore) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.scan([]byte{markerPrefix})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
