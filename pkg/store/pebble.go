// Package store is the durable side of the realtime core: threads, messages,
// read state and the SMS outbox, kept in a single pebble database.
package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/store/keys"
	"pulsehub/pkg/store/locks"
)

// ErrNotOpen is returned by every operation on a closed store.
var ErrNotOpen = errors.New("pebble not opened; call store.Open first")

// Options tunes the pebble instance.
type Options struct {
	DisableWAL bool
	InMemory   bool
}

// Store wraps a pebble database. Every mutation that must be ordered per key
// (message append, read state updates, thread creation) runs under a keyed
// lock held only for the read-modify-write.
type Store struct {
	db          *pebble.DB
	path        string
	walDisabled bool
	locks       *locks.Keyed

	pendingWrites atomic.Uint64
}

// Open opens or creates the pebble database at path.
func Open(path string, o Options) (*Store, error) {
	opts := &pebble.Options{
		DisableWAL: o.DisableWAL,
	}
	if o.InMemory {
		opts.FS = vfs.NewMem()
	}
	if o.DisableWAL {
		logger.Warn("durability_disabled", "durability", "pebble WAL disabled")
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{
		db:          db,
		path:        path,
		walDisabled: o.DisableWAL,
		locks:       locks.NewKeyed(),
	}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return Open("pulsehub-mem", Options{InMemory: true})
}

// Close closes the database. Safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	return nil
}

// Ready reports whether the database is open.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

// Path returns the directory the store was opened at.
func (s *Store) Path() string { return s.path }

// PendingWrites returns the number of committed batches since open.
func (s *Store) PendingWrites() uint64 { return s.pendingWrites.Load() }

// Metrics exposes pebble internals for the metrics collectors.
func (s *Store) Metrics() *pebble.Metrics {
	if !s.Ready() {
		return nil
	}
	return s.db.Metrics()
}

// chooses sync/no-sync WriteOptions, always disables sync if WAL disabled
func (s *Store) writeOpt(requestSync bool) *pebble.WriteOptions {
	if requestSync && !s.walDisabled {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) commit(op string, b *pebble.Batch) error {
	if err := b.Commit(s.writeOpt(true)); err != nil {
		logger.Error("pebble_commit_failed", "op", op, "error", err)
		return errs.Upstream(op, err)
	}
	s.pendingWrites.Add(1)
	return nil
}

// get returns a copy of the value at key; (nil, nil) when missing.
func (s *Store) get(key string) ([]byte, error) {
	if !s.Ready() {
		return nil, ErrNotOpen
	}
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// scan walks every key under prefix in order until fn returns false.
func (s *Store) scan(ctx context.Context, prefix string, lower []byte, fn func(k, v []byte) (bool, error)) error {
	if !s.Ready() {
		return ErrNotOpen
	}
	lb := []byte(prefix)
	if lower != nil {
		lb = lower
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lb,
		UpperBound: keys.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Upstream(op, err)
}
