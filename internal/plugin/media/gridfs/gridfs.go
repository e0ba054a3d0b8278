package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vltx-lol/vltx/internal/config"
	mongostore "github.com/vltx-lol/vltx/internal/plugin/store/mongo"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrymedia.Register(registrymedia.Plugin{
		Name:   "gridfs",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const bucketName = "media"

func load(ctx context.Context) (registrymedia.MediaStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("gridfs: missing config in context")
	}
	conns := mongostore.ConnsFromContext(ctx)
	if conns == nil {
		uri := cfg.ResolvedGridFSURL()
		if uri == "" {
			return nil, fmt.Errorf("gridfs: VLTX_MEDIA_GRIDFS_URL is required unless the datastore is mongo")
		}
		conns = mongostore.NewConns(cfg, uri)
	}
	return New(conns, cfg.DBName, cfg.MediaPublicBaseURL), nil
}

// GridFSMediaStore keeps media in a MongoDB GridFS bucket and serves it back
// through the /media routes.
type GridFSMediaStore struct {
	conns   *mongostore.Conns
	dbName  string
	baseURL string
}

func New(conns *mongostore.Conns, dbName, publicBaseURL string) *GridFSMediaStore {
	return &GridFSMediaStore{
		conns:   conns,
		dbName:  dbName,
		baseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

func (s *GridFSMediaStore) bucket(ctx context.Context) (*mongo.GridFSBucket, error) {
	client, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(s.dbName).GridFSBucket(options.GridFSBucket().SetName(bucketName)), nil
}

// Put stores body under the file name key. The locator is the /media route
// for the generated file id.
func (s *GridFSMediaStore) Put(ctx context.Context, key string, body io.Reader, opts registrymedia.PutOptions) (string, error) {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return "", err
	}
	metadata := bson.D{{Key: "contentType", Value: opts.ContentType}}
	keys := make([]string, 0, len(opts.Metadata))
	for k := range opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metadata = append(metadata, bson.E{Key: k, Value: opts.Metadata[k]})
	}
	id, err := bucket.UploadFromStream(ctx, key, body, options.GridFSUpload().SetMetadata(metadata))
	if err != nil {
		return "", fmt.Errorf("gridfs: upload: %w", err)
	}
	return s.baseURL + "/media/" + id.Hex(), nil
}

// Delete removes every file stored under key.
func (s *GridFSMediaStore) Delete(ctx context.Context, key string) error {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return err
	}
	cursor, err := bucket.Find(ctx, bson.D{{Key: "filename", Value: key}})
	if err != nil {
		return fmt.Errorf("gridfs: find %s: %w", key, err)
	}
	var files []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return fmt.Errorf("gridfs: find %s: %w", key, err)
	}
	for _, f := range files {
		if err := bucket.Delete(ctx, f.ID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return fmt.Errorf("gridfs: delete %s: %w", key, err)
		}
	}
	return nil
}

// Open returns a reader for the file with the given hex id.
func (s *GridFSMediaStore) Open(ctx context.Context, id string) (*registrymedia.Object, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, &registrymedia.ObjectNotFoundError{ID: id}
	}
	bucket, err := s.bucket(ctx)
	if err != nil {
		return nil, err
	}
	ds, err := bucket.OpenDownloadStream(ctx, oid)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, &registrymedia.ObjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs: open %s: %w", id, err)
	}
	file := ds.GetFile()
	obj := &registrymedia.Object{ReadCloser: ds, Size: file.Length, Name: file.Name}
	if len(file.Metadata) > 0 {
		obj.ContentType, _ = file.Metadata.Lookup("contentType").StringValueOK()
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	return obj, nil
}

var (
	_ registrymedia.MediaStore = (*GridFSMediaStore)(nil)
	_ registrymedia.Opener     = (*GridFSMediaStore)(nil)
)
