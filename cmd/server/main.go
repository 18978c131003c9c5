// Command server is the composition root for the retrieval/voice HTTP
// surface: it wires every internal component into an api.Router and serves
// it with graceful shutdown, grounded on the teacher's
// apps/mcp-server/cmd/server/main.go startup/shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sitevoice/kb-engine/internal/api"
	"github.com/sitevoice/kb-engine/internal/cache"
	"github.com/sitevoice/kb-engine/internal/config"
	"github.com/sitevoice/kb-engine/internal/crawl"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/health"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/locale"
	"github.com/sitevoice/kb-engine/internal/migration"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/ratelimit"
	"github.com/sitevoice/kb-engine/internal/retry"
	"github.com/sitevoice/kb-engine/internal/search"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
	"github.com/sitevoice/kb-engine/internal/voice"
)

var (
	showVersion  = flag.Bool("version", false, "Show version information and exit")
	validateOnly = flag.Bool("validate", false, "Validate configuration and exit")
	listenAddr   = flag.String("listen", ":8080", "HTTP listen address")
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("kb-engine server\nVersion: %s\nBuild Time: %s\n", version, buildTime)
		os.Exit(0)
	}

	logger := observability.NewStandardLogger("kb-engine")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if *validateOnly {
		logger.Info("configuration validated successfully", nil)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	migrator, err := migration.NewManager(db, migration.Config{Path: cfg.Database.MigrationsPath}, logger)
	if err != nil {
		logger.Error("failed to create migration manager", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		logger.Error("failed to apply migrations", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer migrator.Close()

	store := vectorstore.NewPostgresStore(db, vectorstore.WithLogger(logger))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	retrievalCache := cache.New(cache.NewRedisBackend(redisClient), cfg.Cache.TTL, cfg.Cache.SWR)

	embedder := embedding.NewClient(
		embedding.NewResilientProvider(embedding.NewMockProvider(), retry.DefaultConfig(), logger),
		cfg.Embedding.BatchSize,
	)

	searchEngine := search.NewEngine(store, embedder, retrievalCache, search.Config{Logger: logger})

	ix := indexer.New(store, noopDriver{}, embedder, logger)
	crawlOrchestrator := crawl.New(ix, logger, crawl.WithSessionStore(crawl.NewPostgresSessionStore(db)))

	voiceRegistry := voice.NewRegistry(logger)
	voiceRegistry.StartSweep(30 * time.Second)
	defer voiceRegistry.Stop()

	rlStore := ratelimit.NewRedisStore(redisClient)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Strategy:        ratelimit.Strategy(cfg.RateLimit.Strategy),
		Max:             cfg.RateLimit.Max,
		Window:          cfg.RateLimit.Window,
		Burst:           cfg.RateLimit.Burst,
		RefillPerSecond: cfg.RateLimit.RefillPerSec,
	}, rlStore, logger)

	kbHealth := health.NewAggregator(5 * time.Second)
	kbHealth.Register(store)
	kbHealth.Register(crawlOrchestrator)

	voiceHealth := health.NewAggregator(5 * time.Second)
	voiceHealth.Register(voiceRegistry)

	negotiator := locale.NewNegotiator(cfg.Locale.Supported)

	router := api.NewRouter(api.Deps{
		Store:            store,
		SearchEngine:     searchEngine,
		Crawl:            crawlOrchestrator,
		Voice:            voiceRegistry,
		Locale:           negotiator,
		Limiter:          limiter,
		KBHealth:         kbHealth,
		VoiceHealth:      voiceHealth,
		Logger:           logger,
		JWTSecret:        []byte(os.Getenv("JWT_SECRET")),
		SupportedLocales: cfg.Locale.Supported,
	})

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", map[string]any{"address": *listenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if err := waitForShutdown(ctx, srv, errCh, logger); err != nil {
		logger.Error("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server stopped gracefully", nil)
}

func waitForShutdown(ctx context.Context, srv *http.Server, errCh <-chan error, logger observability.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// noopDriver is a placeholder indexer.Driver: HTML parsing, sitemap/robots
// fetching and browser-driven rendering are a separate concern left to the
// deployment to supply (the interface boundary, not its implementation, is
// what this engine owns).
type noopDriver struct{}

func (noopDriver) DiscoverURLs(context.Context, string) ([]indexer.PageRef, error) { return nil, nil }
func (noopDriver) FetchHead(context.Context, string) (indexer.PageHead, error) {
	return indexer.PageHead{}, nil
}
func (noopDriver) FetchContent(context.Context, string) (indexer.Page, error) {
	return indexer.Page{}, nil
}
