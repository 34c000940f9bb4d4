package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Constructor creates a backend from options.
// Implementations register themselves with the registry using Register().
type Constructor func(ctx context.Context, opts Options) (StorageBackend, error)

// registry maps kinds to their constructors
var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor.
// This is called from init() functions of the variants.
//
// Example:
//
//	func init() {
//	    backend.Register(backend.KindMemory, newMemoryBackend)
//	}
func Register(k Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("backend: Register constructor is nil for kind %s", k))
	}

	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("backend: Register called twice for kind %s", k))
	}

	registry[k] = constructor
}

// getConstructor retrieves the constructor for a kind.
// Returns nil if the kind is not registered.
func getConstructor(k Kind) Constructor {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	return registry[k]
}

// IsRegistered returns true if a constructor is registered for the kind.
func IsRegistered(k Kind) bool {
	return getConstructor(k) != nil
}

// RegisteredKinds returns all registered kinds, sorted.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New creates the backend of the given kind.
func New(ctx context.Context, k Kind, opts Options) (StorageBackend, error) {
	constructor := getConstructor(k)
	if constructor == nil {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrNotRegistered, k, RegisteredKinds())
	}
	b, err := constructor(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", k, err)
	}
	return b, nil
}
