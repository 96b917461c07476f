package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/federated-storage/marketplace/internal/bytestore"
	"github.com/federated-storage/marketplace/internal/config"
	"github.com/federated-storage/marketplace/internal/handlers"
	"github.com/federated-storage/marketplace/internal/middleware"
	"github.com/federated-storage/marketplace/internal/p2p"
	"github.com/federated-storage/marketplace/internal/services"
	"github.com/federated-storage/marketplace/internal/storage"
)

var log = logging.Logger("marketd")

func main() {
	if err := run(); err != nil {
		log.Fatalf("marketd: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Warnw("failed to load config, using defaults", "path", configPath, "error", err)
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openRegistry connects the configured database, runs migrations and returns
// the registry store together with its close function
func openRegistry(ctx context.Context, cfg *config.Config) (services.RegistryStore, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := storage.New(ctx, cfg.Database.DatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return storage.NewPostgresStore(db), db.Close, nil
	default:
		db, err := storage.NewSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return storage.NewSQLiteStore(db), func() { db.Close() }, nil
	}
}

// newRouter builds the HTTP router: ops endpoints at the root and the API
// under /api/v1 with the upload limits applied to content routes
func newRouter(cfg *config.Config, h *handlers.Handlers, health gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Health check
	router.GET("/health", health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	h.Register(api,
		middleware.ConcurrencyLimit(int64(cfg.Server.MaxConcurrentUploads)),
		middleware.BodyLimit(cfg.Server.MaxUploadBytes),
	)

	return router
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := bytestore.New(cfg.Storage.BlobDir, cfg.Storage.Compression)
	if err != nil {
		return err
	}

	// Initialize P2P node
	node, err := p2p.NewNode(p2p.NodeConfig{
		ListenAddresses: cfg.P2P.ListenAddresses,
		EnableTCP:       cfg.P2P.EnableTCP,
		EnableQUIC:      cfg.P2P.EnableQUIC,
		BootstrapPeers:  cfg.P2P.BootstrapPeers,
		DHTMode:         cfg.P2P.DHTMode,
		IdentityKeyPath: cfg.P2P.IdentityKeyPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create P2P node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer node.Close()

	log.Infow("P2P node started", "peer_id", node.ID(), "addrs", node.Addrs())

	transfer := p2p.NewTransferService(node.Host(), blobs)
	defer transfer.Close()

	// Initialize services
	registry := services.NewRegistryService(store)
	ingest := services.NewIngestService(blobs, registry)
	lookup := services.NewLookupService(registry, transfer, time.Duration(cfg.Market.RequestTimeout)*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	if node.DHT() != nil {
		announcer := p2p.NewAnnouncer(node.DHT(), registry.PublishedHashes, time.Duration(cfg.P2P.ReprovideInterval)*time.Minute)
		registry.SetAnnouncer(announcer)
		lookup.SetPeerFinder(announcer)
		g.Go(func() error {
			return announcer.Run(gctx)
		})
	}

	// Initialize handlers
	files := handlers.NewFileHandler(ingest, registry)
	if cfg.Market.AutoProvide {
		files.WithSelfProvider(node.ID().String(), cfg.Market.ProviderFee)
	}
	h := &handlers.Handlers{
		Files:     files,
		Providers: handlers.NewProviderHandler(registry),
		Market:    handlers.NewMarketHandler(lookup),
	}

	router := newRouter(cfg, h, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"peer_id": node.ID().String(),
			"addrs":   node.Addrs(),
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g.Go(func() error {
		log.Infow("market HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("server exited")
	return nil
}
