// Package mongo holds the MongoDB connection helpers shared by the
// document-store repositories.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names.
const (
	RolesCollection    = "roles"
	UsersCollection    = "users"
	CountersCollection = "counters"
)

// Connect opens a client, pings the primary and returns the named database.
func Connect(ctx context.Context, uri, database string) (*mongod.Client, *mongod.Database, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("platform/mongo: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("platform/mongo: ping: %w", err)
	}
	return client, client.Database(database), nil
}

// NextSequence atomically increments and returns the counter for name.
func NextSequence(ctx context.Context, db *mongod.Database, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := db.Collection(CountersCollection).FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("platform/mongo: next sequence %s: %w", name, err)
	}
	return doc.Seq, nil
}

// IsNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func IsNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// IsDuplicateKey reports unique index violations.
func IsDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// Migrate creates the indexes the repositories rely on.
func Migrate(ctx context.Context, db *mongod.Database) error {
	indexes := map[string][]mongod.IndexModel{
		RolesCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		UsersCollection: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "role_id", Value: 1}}},
		},
	}
	for col, models := range indexes {
		if _, err := db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("platform/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// WithTransaction runs fn inside a multi-document transaction. The deployment
// must be a replica set.
func WithTransaction(ctx context.Context, client *mongod.Client, fn func(ctx context.Context) error) error {
	sess, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("platform/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
