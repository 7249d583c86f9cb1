// Package checkpoint persists how far a pass has got, so a restarted node
// can resume walking after the last path it fully processed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"sharelift/pkg/types"
)

// Store keeps one watermark per job and pass. A job names a migration
// (source and destination), so it stays the same across restarts.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens the store in dir. An empty dir keeps everything in memory.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %q: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func key(job string, pass int) []byte {
	return []byte("watermark/" + job + "/" + strconv.Itoa(pass))
}

// Load returns the watermark of pass, if one was saved.
func (s *Store) Load(ctx context.Context, job string, pass int) (types.PathKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var wm types.PathKey
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(job, pass))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			wm = types.PathKey(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return wm, true, nil
}

// Save records that every entry up to and including wm is done.
func (s *Store) Save(ctx context.Context, job string, pass int, wm types.PathKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(job, pass), []byte(wm))
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear forgets every watermark of job, once its run is over.
func (s *Store) Clear(ctx context.Context, job string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte("watermark/" + job + "/")
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
