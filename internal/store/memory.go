package store

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

// memoryBackend keeps an immutable committed map that each commit
// replaces, so a transaction reads the snapshot current at its start.
type memoryBackend struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

func newMemory() *memoryBackend {
	return &memoryBackend{data: map[string][]byte{}}
}

func (m *memoryBackend) begin(bool) (kvTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("memory store is closed")
	}
	return &memoryTx{backend: m, snapshot: m.data, writes: map[string][]byte{}}, nil
}

func (m *memoryBackend) ready(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory store is closed")
	}
	return nil
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	backend  *memoryBackend
	snapshot map[string][]byte
	writes   map[string][]byte // nil value marks a delete
	done     bool
}

func (t *memoryTx) get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, errKeyNotFound
		}
		return bytes.Clone(v), nil
	}
	if v, ok := t.snapshot[string(key)]; ok {
		return bytes.Clone(v), nil
	}
	return nil, errKeyNotFound
}

func (t *memoryTx) set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	t.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (t *memoryTx) delete(key []byte) error {
	t.writes[string(key)] = nil
	return nil
}

func (t *memoryTx) scan(prefix []byte, fn func(key, value []byte) error) error {
	var keys []string
	for k := range t.snapshot {
		if _, shadowed := t.writes[k]; !shadowed && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	for k, v := range t.writes {
		if v != nil && bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		v, err := t.get([]byte(k))
		if err != nil {
			return err
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if len(t.writes) == 0 {
		return nil
	}

	m := t.backend
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory store is closed")
	}
	next := maps.Clone(m.data)
	for k, v := range t.writes {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}
	m.data = next
	return nil
}

func (t *memoryTx) discard() {
	t.done = true
}
