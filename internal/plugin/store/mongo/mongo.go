package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/dbconn"
	"github.com/vltx-lol/vltx/internal/model"
	registrymigrate "github.com/vltx-lol/vltx/internal/registry/migrate"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	profilesCollection = "profiles"
	countersCollection = "views"

	// followersField is carried on new counter records for readers of the
	// legacy layout. Nothing increments it.
	followersField = "followers"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ProfileStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("mongo store: VLTX_DB_URL (or MONGO_URI) is required")
			}
			conns := ConnsFromContext(ctx)
			if conns == nil {
				conns = NewConns(cfg, cfg.DBURL)
			}
			return New(conns, cfg.DBName), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Kind: "mongo", Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// MongoStore implements ProfileStore using MongoDB. Connections are acquired
// from the manager on every call.
type MongoStore struct {
	conns  *Conns
	dbName string
}

// New creates a store over the given connection manager.
func New(conns *Conns, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "vltx"
	}
	return &MongoStore{conns: conns, dbName: dbName}
}

// Conns returns the store's connection manager.
func (s *MongoStore) Conns() *Conns { return s.conns }

func (s *MongoStore) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.dbName).Collection(name), nil
}

func (s *MongoStore) UpsertProfile(ctx context.Context, handle string, fields map[string]any, updatedAt int64) error {
	coll, err := s.collection(ctx, profilesCollection)
	if err != nil {
		return err
	}

	replacement := bson.M{}
	for k, v := range fields {
		if model.IsSystemField(k) {
			continue
		}
		replacement[k] = v
	}
	replacement[model.FieldHandle] = handle
	replacement[model.FieldUsername] = handle
	replacement[model.FieldUpdatedAt] = updatedAt

	filter := bson.M{model.FieldHandle: handle}
	opts := options.Replace().SetUpsert(true)
	_, err = coll.ReplaceOne(ctx, filter, replacement, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a first-insert race; the record exists now so replace it.
		_, err = coll.ReplaceOne(ctx, filter, replacement, opts)
	}
	if err != nil {
		return storeErr("upsert_profile", err)
	}
	return nil
}

func (s *MongoStore) GetProfile(ctx context.Context, handle string) (*model.Profile, error) {
	coll, err := s.collection(ctx, profilesCollection)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	err = coll.FindOne(ctx, bson.M{model.FieldHandle: handle}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: handle}
	}
	if err != nil {
		return nil, storeErr("get_profile", err)
	}
	return profileFromDocument(handle, doc), nil
}

func (s *MongoStore) EnsureCounter(ctx context.Context, handle string) error {
	coll, err := s.collection(ctx, countersCollection)
	if err != nil {
		return err
	}
	_, err = coll.UpdateOne(ctx,
		bson.M{model.FieldHandle: handle},
		bson.M{"$setOnInsert": bson.M{
			model.FieldUsername:         handle,
			string(model.CounterViews):  int64(0),
			string(model.CounterClicks): int64(0),
			followersField:              int64(0),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return storeErr("ensure_counter", err)
	}
	return nil
}

type counterDoc struct {
	Handle string `bson:"handle"`
	Views  int64  `bson:"views"`
	Clicks int64  `bson:"clicks"`
}

func (d counterDoc) toModel() *model.Counter {
	return &model.Counter{Handle: d.Handle, Views: d.Views, Clicks: d.Clicks}
}

func (s *MongoStore) IncrementCounter(ctx context.Context, handle string, field model.CounterField, upsert bool) (int64, error) {
	coll, err := s.collection(ctx, countersCollection)
	if err != nil {
		return 0, err
	}
	update := bson.M{"$inc": bson.M{string(field): int64(1)}}
	if upsert {
		update["$setOnInsert"] = bson.M{
			model.FieldUsername:   handle,
			string(field.Other()): int64(0),
			followersField:        int64(0),
		}
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(upsert).
		SetReturnDocument(options.After)

	var doc counterDoc
	err = coll.FindOneAndUpdate(ctx, bson.M{model.FieldHandle: handle}, update, opts).Decode(&doc)
	switch {
	case err == nil:
		return doc.toModel().Value(field), nil
	case mongo.IsDuplicateKeyError(err):
		return 0, &registrystore.ConflictError{Message: "counter for " + handle + " was created concurrently", Err: err}
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, &registrystore.StoreError{Op: "increment_" + string(field), Err: fmt.Errorf("counter for %s does not exist", handle)}
	default:
		return 0, storeErr("increment_"+string(field), err)
	}
}

func (s *MongoStore) GetCounter(ctx context.Context, handle string) (*model.Counter, error) {
	coll, err := s.collection(ctx, countersCollection)
	if err != nil {
		return nil, err
	}
	var doc counterDoc
	err = coll.FindOne(ctx, bson.M{model.FieldHandle: handle}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get_counter", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	_, err := s.conns.Acquire(ctx)
	return err
}

func (s *MongoStore) Connected() bool {
	return s.conns.State() == dbconn.StateConnected
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.conns.Close(ctx)
}

// storeErr classifies a driver error. Network failures and timeouts mean the
// cached client is unusable and are reported as unavailability.
func storeErr(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &registrystore.UnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &registrystore.StoreError{Op: op, Err: err}
}

func profileFromDocument(handle string, doc map[string]any) *model.Profile {
	p := &model.Profile{Handle: handle, Fields: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case model.FieldID:
			p.ID = idString(v)
		case model.FieldHandle, model.FieldUsername:
		case model.FieldUpdatedAt:
			p.UpdatedAt = toInt64(v)
		default:
			p.Fields[k] = v
		}
	}
	return p
}

func idString(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// toInt64 accepts the numeric encodings older writers used for timestamps.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(math.Round(n))
	case bson.DateTime:
		return int64(n)
	default:
		return 0
	}
}

var _ registrystore.ProfileStore = (*MongoStore)(nil)
