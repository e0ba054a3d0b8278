package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"github.com/vltx-lol/vltx/internal/config"
	registrycache "github.com/vltx-lol/vltx/internal/registry/cache"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"

	// Import all plugins to trigger init() registration
	_ "github.com/vltx-lol/vltx/internal/plugin/cache/local"
	_ "github.com/vltx-lol/vltx/internal/plugin/cache/noop"
	_ "github.com/vltx-lol/vltx/internal/plugin/cache/redis"
	_ "github.com/vltx-lol/vltx/internal/plugin/media/gridfs"
	_ "github.com/vltx-lol/vltx/internal/plugin/media/miniostore"
	_ "github.com/vltx-lol/vltx/internal/plugin/media/s3store"
	_ "github.com/vltx-lol/vltx/internal/plugin/route/system"
	_ "github.com/vltx-lol/vltx/internal/plugin/store/mongo"
	_ "github.com/vltx-lol/vltx/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the profile service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := security.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_CORS"),
			Destination: &cfg.CORSEnabled,
			Value:       true,
			Usage:       "Answer CORS preflights and set Access-Control-* headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins; empty allows any origin",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes for non-upload requests",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("VLTX_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("VLTX_PORT", "PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("VLTX_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("VLTX_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("VLTX_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("VLTX_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("VLTX_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_URL", "MONGO_URI"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Mongo database name",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create indexes and tables on startup",
		},
		&cli.DurationFlag{
			Name:        "db-connect-timeout",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_CONNECT_TIMEOUT"),
			Destination: &cfg.DBConnectTimeout,
			Value:       cfg.DBConnectTimeout,
			Usage:       "Upper bound for establishing a store connection",
		},
		&cli.DurationFlag{
			Name:        "db-server-selection-timeout",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_SERVER_SELECTION_TIMEOUT"),
			Destination: &cfg.DBServerSelectionTimeout,
			Value:       cfg.DBServerSelectionTimeout,
			Usage:       "Mongo server selection timeout",
		},
		&cli.DurationFlag{
			Name:        "db-probe-timeout",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_PROBE_TIMEOUT"),
			Destination: &cfg.DBProbeTimeout,
			Value:       cfg.DBProbeTimeout,
			Usage:       "Liveness probe timeout before reusing a cached connection",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.DurationFlag{
			Name:        "store-health-interval",
			Category:    "Database:",
			Sources:     cli.EnvVars("VLTX_STORE_HEALTH_INTERVAL"),
			Destination: &cfg.StoreHealthInterval,
			Value:       cfg.StoreHealthInterval,
			Usage:       "Background store probe interval (0 disables)",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("VLTX_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Profile read cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("VLTX_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("VLTX_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Profile cache entry lifetime",
		},
		&cli.Int64Flag{
			Name:        "cache-max-entries",
			Category:    "Cache:",
			Sources:     cli.EnvVars("VLTX_CACHE_MAX_ENTRIES"),
			Destination: &cfg.CacheMaxEntries,
			Value:       cfg.CacheMaxEntries,
			Usage:       "Maximum entries held by the local cache",
		},

		// ── Media Storage ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "media-kind",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_KIND"),
			Destination: &cfg.MediaType,
			Value:       cfg.MediaType,
			Usage:       "Media store (" + strings.Join(registrymedia.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "media-prefix",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_PREFIX"),
			Destination: &cfg.MediaPrefix,
			Value:       cfg.MediaPrefix,
			Usage:       "Object key prefix",
		},
		&cli.StringFlag{
			Name:        "media-public-base-url",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_PUBLIC_BASE_URL"),
			Destination: &cfg.MediaPublicBaseURL,
			Usage:       "Base URL used to build public media locators",
		},
		&cli.Int64Flag{
			Name:        "media-avatar-max-size",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_AVATAR_MAX_SIZE"),
			Destination: &cfg.AvatarMaxSize,
			Value:       cfg.AvatarMaxSize,
			Usage:       "Maximum avatar upload size in bytes",
		},
		&cli.Int64Flag{
			Name:        "media-background-max-size",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_BACKGROUND_MAX_SIZE"),
			Destination: &cfg.BackgroundMaxSize,
			Value:       cfg.BackgroundMaxSize,
			Usage:       "Maximum background upload size in bytes",
		},
		&cli.Int64Flag{
			Name:        "media-audio-max-size",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_AUDIO_MAX_SIZE"),
			Destination: &cfg.AudioMaxSize,
			Value:       cfg.AudioMaxSize,
			Usage:       "Maximum music upload size in bytes",
		},
		&cli.StringFlag{
			Name:        "media-s3-bucket",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for media",
		},
		&cli.BoolFlag{
			Name:        "media-s3-use-path-style",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack)",
		},
		&cli.Int64Flag{
			Name:        "media-s3-part-size",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_S3_PART_SIZE"),
			Destination: &cfg.S3PartSize,
			Value:       cfg.S3PartSize,
			Usage:       "Multipart upload part size in bytes",
		},
		&cli.StringFlag{
			Name:        "media-gridfs-url",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MEDIA_GRIDFS_URL"),
			Destination: &cfg.GridFSURL,
			Usage:       "Mongo URL for GridFS media; defaults to --db-url when the datastore is mongo",
		},
		&cli.StringFlag{
			Name:        "media-minio-endpoint",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MINIO_ENDPOINT"),
			Destination: &cfg.MinioEndpoint,
			Usage:       "MinIO host:port",
		},
		&cli.StringFlag{
			Name:        "media-minio-access-key",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MINIO_ACCESS_KEY"),
			Destination: &cfg.MinioAccessKey,
			Usage:       "MinIO access key",
		},
		&cli.StringFlag{
			Name:        "media-minio-secret-key",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MINIO_SECRET_KEY"),
			Destination: &cfg.MinioSecretKey,
			Usage:       "MinIO secret key",
		},
		&cli.StringFlag{
			Name:        "media-minio-bucket",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MINIO_BUCKET"),
			Destination: &cfg.MinioBucket,
			Usage:       "MinIO bucket for media",
		},
		&cli.BoolFlag{
			Name:        "media-minio-use-ssl",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("VLTX_MINIO_USE_SSL"),
			Destination: &cfg.MinioUseSSL,
			Value:       cfg.MinioUseSSL,
			Usage:       "Use HTTPS to reach MinIO",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("VLTX_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

// maxBodySizeMiddleware caps request bodies. Multipart uploads are exempt:
// the upload relay enforces per-purpose limits while streaming.
func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, "/api/upload/") {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
