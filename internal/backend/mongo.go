package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

const (
	defaultMongoDatabase = "estoque"
	defaultMongoTimeout  = 10 * time.Second
)

func init() {
	Register(KindMongo, newMongoBackend)
}

// DocumentCollection is the subset of *mongo.Collection the backend uses.
type DocumentCollection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{},
		opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{},
		opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	FindOne(ctx context.Context, filter interface{},
		opts ...*options.FindOneOptions) *mongo.SingleResult
}

// CollectionProvider yields the collection of a model.Collection.
type CollectionProvider interface {
	Collection(name string) DocumentCollection
}

// mongoProvider adapts *mongo.Database to CollectionProvider.
type mongoProvider struct {
	db *mongo.Database
}

func (p *mongoProvider) Collection(name string) DocumentCollection {
	return p.db.Collection(name)
}

// RemoteDocument stores documents in MongoDB, one collection per
// model.Collection, keyed by _id = document id.
type RemoteDocument struct {
	client   *mongo.Client
	provider CollectionProvider
	logger   zerolog.Logger
}

// NewRemoteDocument wraps a collection provider. client may be nil when
// the provider is not backed by a live client.
func NewRemoteDocument(client *mongo.Client, provider CollectionProvider, logger zerolog.Logger) *RemoteDocument {
	return &RemoteDocument{
		client:   client,
		provider: provider,
		logger:   logger.With().Str("component", "mongo").Logger(),
	}
}

func newMongoBackend(ctx context.Context, opts Options) (StorageBackend, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("mongo backend needs a connection URI")
	}
	if opts.Database == "" {
		opts.Database = defaultMongoDatabase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMongoTimeout
	}

	clientOptions := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.Timeout).
		SetServerSelectionTimeout(opts.Timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	// Connect does not wait for the server: an offline start is allowed
	// and surfaces as ErrUnavailable on first use.
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	opts.Logger.Debug().Str("database", opts.Database).Msg("MongoDB client created")
	return NewRemoteDocument(client, &mongoProvider{db: client.Database(opts.Database)}, opts.Logger), nil
}

// Kind returns KindMongo.
func (r *RemoteDocument) Kind() Kind { return KindMongo }

// Ping checks the primary is reachable.
func (r *RemoteDocument) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Upsert replaces the document when the stored updated_at is not newer.
//
// The filter only matches an older (or timestamp-less) copy. When a newer
// copy exists the upsert turns into an insert of an existing _id, which the
// server rejects as a duplicate key; that is reported as ErrStale.
func (r *RemoteDocument) Upsert(ctx context.Context, c model.Collection, doc model.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("upsert into %s: document has no id", c)
	}

	_, err := r.provider.Collection(string(c)).ReplaceOne(ctx,
		upsertFilter(id, doc.UpdatedAt()), toBSON(doc), options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", ErrStale, c, id)
		}
		return classifyMongo(fmt.Errorf("failed to upsert %s/%s: %w", c, id, err))
	}
	return nil
}

// Delete removes the document by _id.
func (r *RemoteDocument) Delete(ctx context.Context, c model.Collection, id string) error {
	if _, err := r.provider.Collection(string(c)).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return classifyMongo(fmt.Errorf("failed to delete %s/%s: %w", c, id, err))
	}
	return nil
}

// Get reads the document by _id.
func (r *RemoteDocument) Get(ctx context.Context, c model.Collection, id string) (model.Document, error) {
	var raw bson.M
	err := r.provider.Collection(string(c)).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	if err != nil {
		return nil, classifyMongo(fmt.Errorf("failed to read %s/%s: %w", c, id, err))
	}
	return fromBSON(raw), nil
}

// Close disconnects the client.
func (r *RemoteDocument) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// upsertFilter matches the document only when its stored copy is not newer.
func upsertFilter(id, updatedAt string) bson.M {
	if updatedAt == "" {
		return bson.M{"_id": id}
	}
	return bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"updated_at": bson.M{"$lte": updatedAt}},
			bson.M{"updated_at": bson.M{"$exists": false}},
		},
	}
}

// toBSON keys the document by _id.
func toBSON(doc model.Document) bson.M {
	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		if d, ok := v.(model.Document); ok {
			v = map[string]any(d)
		}
		out[k] = v
	}
	out["_id"] = doc.ID()
	return out
}

// fromBSON drops _id and flattens driver container types.
func fromBSON(raw bson.M) model.Document {
	doc := make(model.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = plain(v)
	}
	return doc
}

func plain(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = plain(e)
		}
		return a
	case primitive.DateTime:
		return model.FormatTime(t.Time())
	}
	return v
}

// classifyMongo marks transport failures as ErrUnavailable. Server-side
// rejections (write and command errors) are returned as they are.
func classifyMongo(err error) error {
	var we mongo.WriteException
	if errors.As(err, &we) {
		return err
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && !ce.HasErrorLabel("NetworkError") {
		return err
	}
	// Network errors, timeouts and server selection failures.
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
