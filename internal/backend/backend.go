// Package backend defines the contract the sync engine requires of a store
// of record, and its concrete variants.
//
// The contract is small: idempotent upsert-by-id and delete-by-id, plus a
// read and a reachability check. Upserts are last-write-wins on the
// document's updated_at field: a document whose stored copy is newer is not
// replaced and ErrStale is returned instead.
//
// # Architecture
//
// Variants are selected once, at construction, through a registry:
//
//	b, err := backend.New(ctx, backend.KindMongo, backend.Options{
//	    URI:      "mongodb://localhost:27017",
//	    Database: "estoque",
//	})
//
// # Implementations
//
//   - local: LocalRelational, the SQLite store (also the authoritative
//     local write path through ApplyTx)
//   - mongo: RemoteDocument, a MongoDB database with one collection per
//     model.Collection
//   - memory: Memory, an in-process document store for development and tests
package backend

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
)

// Kind names a backend variant.
type Kind string

const (
	KindLocal  Kind = "local"
	KindMongo  Kind = "mongo"
	KindMemory Kind = "memory"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// StorageBackend is a document store keyed by (collection, id).
type StorageBackend interface {
	// Kind returns the variant of this backend.
	Kind() Kind

	// Ping reports whether the backend is reachable.
	// An unreachable backend yields an error wrapping ErrUnavailable.
	Ping(ctx context.Context) error

	// Upsert creates or replaces the document with doc's id. If the stored
	// copy has a newer updated_at, nothing changes and ErrStale is returned.
	// Repeating an upsert is harmless.
	Upsert(ctx context.Context, c model.Collection, doc model.Document) error

	// Delete removes the document. Deleting a missing document succeeds.
	Delete(ctx context.Context, c model.Collection, id string) error

	// Get reads a document. A missing document wraps ErrNotFound.
	Get(ctx context.Context, c model.Collection, id string) (model.Document, error)
}

// Closer is implemented by backends holding network or file resources.
type Closer interface {
	Close(ctx context.Context) error
}

// Options configures backend construction. Each variant reads the fields
// it needs.
type Options struct {
	// URI is the connection string (mongo) or store file path (local).
	URI string

	// Database is the remote database name (mongo).
	Database string

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Store is an already open local store (local). When nil, a store is
	// opened at URI.
	Store *local.Store

	Logger zerolog.Logger
}

// Apply runs the remote effect of a mutation against b.
func Apply(ctx context.Context, b StorageBackend, m model.Mutation) error {
	if m.Op == model.OpDelete {
		return b.Delete(ctx, m.Collection, m.DocumentID)
	}
	doc := m.Data
	if doc.ID() == "" {
		doc = doc.Clone()
		doc["id"] = m.DocumentID
	}
	return b.Upsert(ctx, m.Collection, doc)
}

// newer reports whether stored was written after incoming. Missing
// timestamps never win.
func newer(stored, incoming model.Document) bool {
	s, in := stored.UpdatedAt(), incoming.UpdatedAt()
	if s == "" || in == "" {
		return false
	}
	return s > in
}
