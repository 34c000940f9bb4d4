package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

func init() {
	Register(KindMemory, func(context.Context, Options) (StorageBackend, error) {
		return NewMemory(), nil
	})
}

// Memory is an in-process document store. It can be switched unreachable
// and made to fail per key, for development and tests.
type Memory struct {
	mu        sync.RWMutex
	docs      map[model.Collection]map[string]model.Document
	available bool
	failures  map[model.Key]error
	calls     int
}

// NewMemory creates an empty, reachable Memory backend.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[model.Collection]map[string]model.Document),
		available: true,
		failures:  make(map[model.Key]error),
	}
}

// Kind returns KindMemory.
func (m *Memory) Kind() Kind { return KindMemory }

// SetAvailable switches reachability.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// FailKey makes every call on key fail with err (nil clears it).
func (m *Memory) FailKey(key model.Key, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// Calls returns how many Upsert and Delete calls reached the store.
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(c model.Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[c])
}

// Ping fails while the backend is switched unreachable.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.available {
		return fmt.Errorf("%w: memory backend switched off", ErrUnavailable)
	}
	return nil
}

// Upsert stores a copy of doc unless the stored copy is newer.
func (m *Memory) Upsert(ctx context.Context, c model.Collection, doc model.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("upsert into %s: document has no id", c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, model.Key{Collection: c, DocumentID: id}); err != nil {
		return err
	}
	m.calls++

	coll := m.docs[c]
	if coll == nil {
		coll = make(map[string]model.Document)
		m.docs[c] = coll
	}
	if stored, ok := coll[id]; ok && newer(stored, doc) {
		return fmt.Errorf("%w: %s/%s stored at %s, incoming %s",
			ErrStale, c, id, stored.UpdatedAt(), doc.UpdatedAt())
	}
	coll[id] = doc.Clone()
	return nil
}

// Delete removes the document; a missing document is not an error.
func (m *Memory) Delete(ctx context.Context, c model.Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, model.Key{Collection: c, DocumentID: id}); err != nil {
		return err
	}
	m.calls++
	delete(m.docs[c], id)
	return nil
}

// Get returns a copy of the stored document.
func (m *Memory) Get(ctx context.Context, c model.Collection, id string) (model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, model.Key{Collection: c, DocumentID: id}); err != nil {
		return nil, err
	}
	doc, ok := m.docs[c][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	return doc.Clone(), nil
}

// check must be called with the lock held.
func (m *Memory) check(ctx context.Context, key model.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.available {
		return fmt.Errorf("%w: memory backend switched off", ErrUnavailable)
	}
	if err, ok := m.failures[key]; ok {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
