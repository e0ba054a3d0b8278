package mongo

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/vltx-lol/vltx/internal/config"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }

func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("mongo migration: no config in context")
	}

	conns := ConnsFromContext(ctx)
	if conns == nil {
		conns = NewConns(cfg, cfg.DBURL)
		defer conns.Close(ctx)
	}
	client, err := conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	dbName := cfg.DBName
	if dbName == "" {
		dbName = "vltx"
	}
	return MigrateDatabase(ctx, client.Database(dbName))
}

// MigrateDatabase backfills the handle key on records written before it
// existed and creates the unique handle indexes.
func MigrateDatabase(ctx context.Context, db *mongo.Database) error {
	for _, name := range []string{profilesCollection, countersCollection} {
		coll := db.Collection(name)

		// Older records are keyed by username only.
		res, err := coll.UpdateMany(ctx,
			bson.M{"handle": bson.M{"$exists": false}, "username": bson.M{"$type": "string"}},
			mongo.Pipeline{{{Key: "$set", Value: bson.M{"handle": bson.M{"$toLower": "$username"}}}}},
		)
		if err != nil {
			return fmt.Errorf("mongo migration: backfill handle in %s: %w", name, err)
		}
		if res.ModifiedCount > 0 {
			log.Info("Backfilled handle", "collection", name, "count", res.ModifiedCount)
		}

		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "handle", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_handle"),
		})
		if err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}
