package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/vltx-lol/vltx/internal/config"
	_ "github.com/vltx-lol/vltx/internal/plugin/route/counters"
	_ "github.com/vltx-lol/vltx/internal/plugin/route/media"
	_ "github.com/vltx-lol/vltx/internal/plugin/route/profiles"
	routesystem "github.com/vltx-lol/vltx/internal/plugin/route/system"
	_ "github.com/vltx-lol/vltx/internal/plugin/route/uploads"
	storemetrics "github.com/vltx-lol/vltx/internal/plugin/store/metrics"
	mongostore "github.com/vltx-lol/vltx/internal/plugin/store/mongo"
	registrycache "github.com/vltx-lol/vltx/internal/registry/cache"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	registrymigrate "github.com/vltx-lol/vltx/internal/registry/migrate"
	registryroute "github.com/vltx-lol/vltx/internal/registry/route"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
	"github.com/vltx-lol/vltx/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ProfileStore
	Media           registrymedia.MediaStore
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
	stopBackground  context.CancelFunc
}

// Shutdown stops the listeners, then releases the store connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopBackground != nil {
		s.stopBackground()
	}
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	if cerr := s.Store.Close(ctx); cerr != nil {
		log.Warn("Failed to close store", "err", cerr)
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting vltx",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"media", cfg.MediaType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// A Mongo datastore shares one connection manager with migrations and GridFS.
	if cfg.DatastoreType == "mongo" && cfg.DBURL != "" {
		ctx = mongostore.WithConns(ctx, mongostore.NewConns(cfg, cfg.DBURL))
	}

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The cache is optional: a failure degrades to direct store reads.
	var profileCache registrycache.ProfileCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if profileCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		profileCache = nil
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// An unreachable store does not block startup; requests report it as unavailable.
	if err := store.Ping(ctx); err != nil {
		log.Warn("Store not reachable at startup", "db", cfg.DatastoreType, "err", err)
	}

	mediaLoader, err := registrymedia.Select(cfg.MediaType)
	if err != nil {
		return nil, err
	}
	media, err := mediaLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	services := &registryroute.Services{
		Profiles:       service.NewProfileRepository(store, profileCache, cfg.CacheTTL),
		Counters:       service.NewCounterLedger(store),
		Uploads:        service.NewUploadRelay(media, service.DefaultPolicies(cfg)),
		Media:          media,
		StoreConnected: store.Connected,
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	if err := registryroute.Mount(router, registryroute.RouteTypeMain, services); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.RouteTypeManagement, services); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(ctx, mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		if err := registryroute.Mount(router, registryroute.RouteTypeManagement, services); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	monitor := service.NewHealthMonitor(store, cfg.StoreHealthInterval)
	go monitor.Start(bgCtx)

	running, err := StartSinglePort(ctx, cfg.Listener, router)
	if err != nil {
		stopBackground()
		if closeManagement != nil {
			_ = closeManagement(context.Background())
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Media:           media,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
		stopBackground:  stopBackground,
	}, nil
}
