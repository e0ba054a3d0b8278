package bdd

import (
	"context"
	"fmt"

	"github.com/vltx-lol/vltx/internal/testutil/cucumber"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoTestDB implements cucumber.TestDB for MongoDB.
type MongoTestDB struct {
	DBURL  string
	DBName string
}

var _ cucumber.TestDB = (*MongoTestDB)(nil)

func (m *MongoTestDB) db() (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(m.DBURL))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	return client, client.Database(m.DBName), nil
}

func (m *MongoTestDB) ClearAll(ctx context.Context) error {
	client, db, err := m.db()
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	for _, coll := range []string{"profiles", "views"} {
		if _, err := db.Collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("cleanup: failed to clear %s: %w", coll, err)
		}
	}
	return nil
}

func (m *MongoTestDB) CountCounterRecords(ctx context.Context, handle string) (int, error) {
	client, db, err := m.db()
	if err != nil {
		return 0, err
	}
	defer client.Disconnect(ctx)

	n, err := db.Collection("views").CountDocuments(ctx, bson.M{"handle": handle})
	return int(n), err
}
