// Command worker is the background reindex consumer: it long-polls the
// internal/queue SQS queue for ReindexJob messages and drives them through
// the same crawl.Orchestrator the HTTP API uses, grounded on the teacher's
// apps/worker/internal/worker/dlq_worker.go ticker-loop shape (here the
// "tick" is an SQS long-poll rather than a fixed interval).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sitevoice/kb-engine/internal/config"
	"github.com/sitevoice/kb-engine/internal/crawl"
	"github.com/sitevoice/kb-engine/internal/embedding"
	"github.com/sitevoice/kb-engine/internal/indexer"
	"github.com/sitevoice/kb-engine/internal/migration"
	"github.com/sitevoice/kb-engine/internal/observability"
	"github.com/sitevoice/kb-engine/internal/queue"
	"github.com/sitevoice/kb-engine/internal/retry"
	"github.com/sitevoice/kb-engine/internal/vectorstore"
)

var showVersion = flag.Bool("version", false, "Show version information and exit")

var version = "dev"

// Worker drains the reindex queue and hands each job to crawl.Orchestrator,
// the SQS-backed analogue of the teacher's DLQWorker.
type Worker struct {
	queue  *queue.Client
	crawl  *crawl.Orchestrator
	logger observability.Logger
}

func NewWorker(q *queue.Client, orchestrator *crawl.Orchestrator, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Worker{queue: q, crawl: orchestrator, logger: logger}
}

// Run polls the queue until ctx is cancelled. Each poll cycle is itself a
// long-poll against SQS, so there is no separate ticker: the next poll
// starts as soon as the previous one returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker: starting reindex consumer", nil)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker: stopping due to context cancellation", nil)
			return ctx.Err()
		default:
		}

		if err := w.queue.Poll(ctx, w.handleJob); err != nil {
			w.logger.Error("worker: poll cycle failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, job queue.ReindexJob) error {
	start := time.Now()
	sessionID, err := w.crawl.Start(ctx, crawl.Config{
		TenantID: job.TenantID,
		SiteID:   job.SiteID,
		Mode:     job.Mode,
		URLs:     job.URLs,
	})
	if err != nil {
		w.logger.Error("worker: failed to start crawl session", map[string]any{
			"tenantId": job.TenantID, "siteId": job.SiteID, "error": err.Error(),
		})
		return err
	}

	w.logger.Info("worker: crawl session scheduled", map[string]any{
		"tenantId": job.TenantID, "siteId": job.SiteID, "sessionId": sessionID,
		"durationMs": time.Since(start).Milliseconds(),
	})
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("kb-engine worker\nVersion: %s\n", version)
		os.Exit(0)
	}

	logger := observability.NewStandardLogger("kb-engine-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	queueURL := os.Getenv("REINDEX_QUEUE_URL")
	if queueURL == "" {
		logger.Error("REINDEX_QUEUE_URL is required", nil)
		os.Exit(1)
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

	// The server owns schema migration (cmd/server applies Up on startup);
	// the worker only verifies the schema it depends on is already current,
	// so two independently-deployed processes don't race a second migrator
	// against the same database.
	migrator, err := migration.NewManager(db, migration.Config{Path: cfg.Database.MigrationsPath}, logger)
	if err != nil {
		logger.Error("failed to create migration manager", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	if err := migrator.Validate(ctx); err != nil {
		logger.Error("schema is not up to date", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer migrator.Close()

	store := vectorstore.NewPostgresStore(db, vectorstore.WithLogger(logger))

	embedder := embedding.NewClient(
		embedding.NewResilientProvider(embedding.NewMockProvider(), retry.DefaultConfig(), logger),
		cfg.Embedding.BatchSize,
	)

	ix := indexer.New(store, noopDriver{}, embedder, logger)
	orchestrator := crawl.New(ix, logger, crawl.WithSessionStore(crawl.NewPostgresSessionStore(db)))

	qClient, err := queue.NewClient(ctx, queueURL, logger)
	if err != nil {
		logger.Error("failed to build queue client", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	w := NewWorker(qClient, orchestrator, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("worker: received shutdown signal", map[string]any{"signal": sig.String()})
		cancel()
	}()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker: exited with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("worker: stopped gracefully", nil)
}

// noopDriver mirrors cmd/server's placeholder: content discovery/fetching is
// a deployment-supplied concern, not part of this engine (see cmd/server's
// noopDriver doc comment for the full rationale).
type noopDriver struct{}

func (noopDriver) DiscoverURLs(context.Context, string) ([]indexer.PageRef, error) { return nil, nil }
func (noopDriver) FetchHead(context.Context, string) (indexer.PageHead, error) {
	return indexer.PageHead{}, nil
}
func (noopDriver) FetchContent(context.Context, string) (indexer.Page, error) {
	return indexer.Page{}, nil
}
