package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time interface check.
var _ Store = (*MongoStore)(nil)

const (
	mongoValueField     = "value"
	mongoUpdatedAtField = "updated_at"
	mongoExpireIndex    = "rendezvous_expire"
)

// MongoStore keeps each key as a document {_id: key, value, updated_at}.
// A TTL index on updated_at lets MongoDB expire abandoned records.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoRecord struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore uses the given collection and ensures the TTL index. ttl <= 0
// keeps records forever.
func NewMongoStore(ctx context.Context, coll *mongo.Collection, ttl time.Duration) (*MongoStore, error) {
	if ttl > 0 {
		expireAfter := int32(ttl.Seconds())
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: mongoUpdatedAtField, Value: 1}},
			Options: options.Index().
				SetName(mongoExpireIndex).
				SetExpireAfterSeconds(expireAfter),
		})
		if err != nil {
			return nil, fmt.Errorf("ensure rendezvous TTL index: %w", err)
		}
	}
	return &MongoStore{coll: coll}, nil
}

// DialMongoStore connects to uri and opens database.collection. The returned
// close function disconnects the client.
func DialMongoStore(ctx context.Context, uri, database, collection string, ttl time.Duration) (*MongoStore, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connect %s: %v", ErrStoreUnavailable, uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, uri, err)
	}

	store, err := NewMongoStore(ctx, client.Database(database).Collection(collection), ttl)
	if err != nil {
		client.Disconnect(ctx)
		return nil, nil, err
	}
	return store, client.Disconnect, nil
}

func (s *MongoStore) Put(ctx context.Context, key, value string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: mongoValueField, Value: value},
			{Key: mongoUpdatedAtField, Value: time.Now().UTC()},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return unavailable("put", key, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (string, bool, error) {
	var rec mongoRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	return rec.Value, true, nil
}
