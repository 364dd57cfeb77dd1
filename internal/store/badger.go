package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var errTxConflict = badger.ErrConflict

type badgerBackend struct {
	db *badger.DB
}

func openBadger(path string) (*badgerBackend, error) {
	if path == "" {
		return nil, errors.New("badger store requires a path")
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger logs through its own interface

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) begin(update bool) (kvTx, error) {
	if b.db.IsClosed() {
		return nil, errors.New("badger store is closed")
	}
	return &badgerTx{txn: b.db.NewTransaction(update)}, nil
}

func (b *badgerBackend) ready(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTx) delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTx) scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) commit() error {
	return t.txn.Commit()
}

func (t *badgerTx) discard() {
	t.txn.Discard()
}
