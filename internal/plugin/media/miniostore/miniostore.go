package miniostore

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/vltx-lol/vltx/internal/config"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
)

func init() {
	registrymedia.Register(registrymedia.Plugin{
		Name:   "minio",
		Loader: load,
	})
}

func load(ctx context.Context) (registrymedia.MediaStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return nil, fmt.Errorf("miniostore: VLTX_MINIO_ENDPOINT and VLTX_MINIO_BUCKET are required")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("miniostore: create client: %w", err)
	}
	store := New(client, cfg.MinioBucket, uint64(max(cfg.S3PartSize, 0)), cfg.PublicURL)
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// MinioMediaStore streams uploads to a MinIO (or other S3-compatible) bucket.
type MinioMediaStore struct {
	client    *minio.Client
	bucket    string
	partSize  uint64
	publicURL func(key string) string
}

// New creates a store for bucket. publicURL maps an object key to its public
// locator; when it returns "" a path-style endpoint URL is used.
func New(client *minio.Client, bucket string, partSize uint64, publicURL func(key string) string) *MinioMediaStore {
	return &MinioMediaStore{
		client:    client,
		bucket:    bucket,
		partSize:  partSize,
		publicURL: publicURL,
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioMediaStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("miniostore: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("miniostore: create bucket: %w", err)
	}
	return nil
}

func (s *MinioMediaStore) Put(ctx context.Context, key string, body io.Reader, opts registrymedia.PutOptions) (string, error) {
	// Size -1 streams the body as a multipart upload of partSize chunks.
	_, err := s.client.PutObject(ctx, s.bucket, key, body, -1, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
		PartSize:     s.partSize,
	})
	if err != nil {
		return "", fmt.Errorf("miniostore: put object: %w", err)
	}
	if s.publicURL != nil {
		if u := s.publicURL(key); u != "" {
			return u, nil
		}
	}
	endpoint := s.client.EndpointURL()
	return (&url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/" + s.bucket + "/" + key}).String(), nil
}

func (s *MinioMediaStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("miniostore: delete object: %w", err)
	}
	return nil
}

var _ registrymedia.MediaStore = (*MinioMediaStore)(nil)
