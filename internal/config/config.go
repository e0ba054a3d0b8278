package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the profile service.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Datastore backend type: "mongo" or "postgres".
	DatastoreType string
	DBURL         string
	// DBName is the Mongo database name. Ignored by postgres (the URL names the database).
	DBName string

	// Run datastore migrations (indexes / tables) on startup.
	DatastoreMigrateAtStart bool

	// Connection lifecycle.
	DBConnectTimeout         time.Duration
	DBServerSelectionTimeout time.Duration
	DBProbeTimeout           time.Duration
	DBMaxOpenConns           int
	// StoreHealthInterval is how often the store connection is probed in the
	// background. Zero disables the monitor.
	StoreHealthInterval time.Duration

	// Profile read cache: "none", "local" or "redis".
	CacheType string
	RedisURL  string
	CacheTTL  time.Duration
	// CacheMaxEntries bounds the local (in-process) cache.
	CacheMaxEntries int64

	// Media (object storage) backend: "s3", "minio" or "gridfs".
	MediaType string
	// MediaPrefix is prepended to every object key (e.g. "vltx/avatars/...").
	MediaPrefix string
	// MediaPublicBaseURL, when set, is used to build public locators: <base>/<key>.
	MediaPublicBaseURL string

	// Per-purpose upload limits (bytes).
	AvatarMaxSize     int64
	BackgroundMaxSize int64
	AudioMaxSize      int64

	// S3
	S3Bucket       string
	S3UsePathStyle bool
	S3PartSize     int64

	// GridFS. Falls back to DBURL when the datastore is mongo.
	GridFSURL string

	// MinIO
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// MaxBodySize limits non-upload request bodies (bytes).
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		DatastoreType:            "mongo",
		DBName:                   "vltx",
		DatastoreMigrateAtStart:  true,
		DBConnectTimeout:         10 * time.Second,
		DBServerSelectionTimeout: 8 * time.Second,
		DBProbeTimeout:           2 * time.Second,
		DBMaxOpenConns:           25,
		StoreHealthInterval:      15 * time.Second,
		CacheType:                "none",
		CacheTTL:                 5 * time.Minute,
		CacheMaxEntries:          10000,
		MediaType:                "s3",
		MediaPrefix:              "vltx",
		AvatarMaxSize:            25 * 1024 * 1024,
		BackgroundMaxSize:        50 * 1024 * 1024,
		AudioMaxSize:             200 * 1024 * 1024,
		S3PartSize:               8 * 1024 * 1024,
		MinioUseSSL:              true,
		Listener: ListenerConfig{
			Port:              3000,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
		},
		MaxBodySize:   10 * 1024 * 1024,
		DrainTimeout:  30,
		MetricsLabels: "service=vltx",
	}
}

// ResolvedMediaPrefix returns the object-key prefix without surrounding slashes.
func (c *Config) ResolvedMediaPrefix() string {
	if c == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(c.MediaPrefix), "/")
}

// ResolvedGridFSURL returns the Mongo URI used for GridFS media.
func (c *Config) ResolvedGridFSURL() string {
	if c == nil {
		return ""
	}
	if u := strings.TrimSpace(c.GridFSURL); u != "" {
		return u
	}
	if c.DatastoreType == "mongo" {
		return c.DBURL
	}
	return ""
}

// PublicURL joins the configured public base URL and an object key.
// Returns "" when no public base URL is configured.
func (c *Config) PublicURL(key string) string {
	if c == nil {
		return ""
	}
	base := strings.TrimRight(strings.TrimSpace(c.MediaPublicBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/" + strings.TrimLeft(key, "/")
}
