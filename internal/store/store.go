// Package store persists jobs in a transactional key-value store.
//
// Three backends share the same contract: badger (an embedded LSM tree,
// the default), sqlite (a single kv table) and memory (tests and
// throwaway runs). Read-write transactions are serialized in-process;
// read-only views run concurrently against a snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"simbroker/internal/apperrors"
	"sync"
	"time"
)

// Supported backend drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

var errKeyNotFound = errors.New("key not found")

// Config selects and locates the backend.
type Config struct {
	Driver string // badger, sqlite or memory
	Path   string // badger directory or sqlite file; ignored by memory
}

// backend is a transactional key-value engine.
type backend interface {
	begin(update bool) (kvTx, error)
	ready(ctx context.Context) error
	close() error
}

// kvTx is one backend transaction. Reads observe the transaction's own
// writes. scan visits keys with the prefix in ascending byte order.
type kvTx interface {
	get(key []byte) ([]byte, error)
	set(key, value []byte) error
	delete(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	commit() error
	discard()
}

// Store is the job store.
type Store struct {
	backend backend
	driver  string
	logger  *slog.Logger

	// writeMu serializes read-write transactions so that callers never
	// see optimistic-concurrency conflicts from one another.
	writeMu sync.Mutex
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverBadger
	}

	var (
		b   backend
		err error
	)
	switch cfg.Driver {
	case DriverBadger:
		b, err = openBadger(cfg.Path)
	case DriverSQLite:
		b, err = openSQLite(ctx, cfg.Path)
	case DriverMemory:
		b = newMemory()
	default:
		return nil, apperrors.Validation("driver", fmt.Sprintf("unknown store driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}

	logger := slog.With("component", "store", "driver", cfg.Driver)
	logger.Info("Job store opened", "path", cfg.Path)

	return &Store{
		backend: b,
		driver:  cfg.Driver,
		logger:  logger,
	}, nil
}

// OpenMemory returns an empty in-memory store.
func OpenMemory() *Store {
	s, _ := Open(context.Background(), Config{Driver: DriverMemory})
	return s
}

// Driver returns the backend name.
func (s *Store) Driver() string {
	return s.driver
}

// Transact runs fn in a read-write transaction. The transaction commits
// when fn returns nil and is discarded otherwise; jobs modified in place
// through the Tx are written back before the commit.
//
// Transactions must not be nested: pass the Tx down instead.
func (s *Store) Transact(ctx context.Context, note string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	kv, err := s.backend.begin(true)
	if err != nil {
		return apperrors.Internal("store.begin", err)
	}
	tx := newTx(kv, true)

	if err := fn(tx); err != nil {
		kv.discard()
		s.logger.Debug("Transaction aborted", "note", note, "error", err)
		return err
	}
	if err := tx.writeBack(); err != nil {
		kv.discard()
		return apperrors.Internal("store.write", err)
	}
	if err := kv.commit(); err != nil {
		if errors.Is(err, errTxConflict) {
			return apperrors.Conflict("transaction", note+": concurrent modification", err)
		}
		return apperrors.Internal("store.commit", err)
	}

	s.logger.Debug("Transaction committed", "note", note, "duration", time.Since(start))
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv, err := s.backend.begin(false)
	if err != nil {
		return apperrors.Internal("store.begin", err)
	}
	defer kv.discard()
	return fn(newTx(kv, false))
}

// Ready checks that the backend can serve transactions.
func (s *Store) Ready(ctx context.Context) error {
	return s.backend.ready(ctx)
}

// Close releases the backend. Running transactions finish first.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Info("Job store closed")
	return s.backend.close()
}
