package s3store

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vltx-lol/vltx/internal/config"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
)

func init() {
	registrymedia.Register(registrymedia.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registrymedia.MediaStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: VLTX_S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return New(client, cfg.S3Bucket, cfg.S3PartSize, cfg.PublicURL), nil
}

// S3MediaStore streams uploads to an S3 bucket with multipart uploads.
type S3MediaStore struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	publicURL func(key string) string
}

// New creates a store for bucket. publicURL maps an object key to its public
// locator; when it returns "" the uploader's object location is used.
func New(client *s3.Client, bucket string, partSize int64, publicURL func(key string) string) *S3MediaStore {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
		u.Concurrency = 2
	})
	return &S3MediaStore{
		client:    client,
		uploader:  uploader,
		bucket:    bucket,
		publicURL: publicURL,
	}
}

func (s *S3MediaStore) Put(ctx context.Context, key string, body io.Reader, opts registrymedia.PutOptions) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("s3store: upload: %w", err)
	}
	if s.publicURL != nil {
		if u := s.publicURL(key); u != "" {
			return u, nil
		}
	}
	return out.Location, nil
}

func (s *S3MediaStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3store: delete object: %w", err)
	}
	return nil
}

var _ registrymedia.MediaStore = (*S3MediaStore)(nil)
