package sync

import (
	gosync "sync"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

// KeyGate serializes remote pushes per document key. The coordinator's
// mirror and the reconciler share one gate so that an entry is pushed at
// most once and never after a later entry of the same key.
type KeyGate struct {
	mu    gosync.Mutex
	locks map[model.Key]*keyLock
}

type keyLock struct {
	gosync.Mutex
	refs int
}

// NewKeyGate creates an empty gate.
func NewKeyGate() *KeyGate {
	return &KeyGate{locks: make(map[model.Key]*keyLock)}
}

// Lock blocks until key is free and returns the function releasing it.
func (g *KeyGate) Lock(key model.Key) (unlock func()) {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}
