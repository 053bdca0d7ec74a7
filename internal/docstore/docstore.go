// Package docstore keeps feature documents and their sync high-water marks
// in MongoDB.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MetadataCollection holds one high-water-mark document per synced collection.
const MetadataCollection = "collections_metadata"

// Document is one feature row keyed by column name.
type Document map[string]any

// Store is the feature document store.
type Store interface {
	HighWaterMark(ctx context.Context, collection, field string) (int64, error)
	Upsert(ctx context.Context, collection, key string, docs []Document) (int64, error)
	SetHighWaterMark(ctx context.Context, collection, field string, value int64) error
	Close(ctx context.Context) error
}

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var _ Store = (*Mongo)(nil)

// Connect opens a client with retryable writes disabled and pings it.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetRetryWrites(false).
		SetConnectTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping document store: %w", err)
	}
	return &Mongo{
		client: client,
		db:     client.Database(database),
		logger: slog.With("component", "docstore"),
	}, nil
}

// HighWaterMark returns field of the collection's metadata document, or 0
// when none exists.
func (m *Mongo) HighWaterMark(ctx context.Context, collection, field string) (int64, error) {
	var doc bson.M
	err := m.db.Collection(MetadataCollection).FindOne(ctx,
		bson.M{"collectionName": collection},
		options.FindOne().SetProjection(bson.M{field: 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read high-water mark of %s: %w", collection, err)
	}
	return ToInt64(doc[field])
}

// Upsert updates or inserts docs matched on key.
func (m *Mongo) Upsert(ctx context.Context, collection, key string, docs []Document) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		id, ok := d[key]
		if !ok {
			return 0, fmt.Errorf("document without %s in %s", key, collection)
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{key: id}).
			SetUpdate(bson.M{"$set": bson.M(d)}).
			SetUpsert(true))
	}
	res, err := m.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("upsert into %s: %w", collection, err)
	}
	n := res.UpsertedCount + res.ModifiedCount
	m.logger.Debug("documents upserted", "collection", collection, "upserted", res.UpsertedCount, "modified", res.ModifiedCount)
	return n, nil
}

func (m *Mongo) SetHighWaterMark(ctx context.Context, collection, field string, value int64) error {
	_, err := m.db.Collection(MetadataCollection).UpdateOne(ctx,
		bson.M{"collectionName": collection},
		bson.M{"$set": bson.M{"collectionName": collection, field: value}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set high-water mark of %s: %w", collection, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// ToInt64 converts numeric document and query values.
func ToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case time.Time:
		return x.Unix(), nil
	default:
		return 0, fmt.Errorf("unexpected high-water mark type %T", v)
	}
}
