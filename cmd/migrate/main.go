// Command migrate runs schema migrations against the engine's Postgres
// database outside of the server/worker startup path — for CI, local dev,
// and operator-triggered rollouts — grounded on the teacher's
// cmd/migrate/main.go flag-driven composition root.
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

	"github.com/sitevoice/kb-engine/internal/migration"
	"github.com/sitevoice/kb-engine/internal/observability"
)

var (
	upFlag       = flag.Bool("up", false, "Apply all pending migrations")
	validateFlag = flag.Bool("validate", false, "Check the schema is current without applying anything")
	dsn          = flag.String("dsn", "", "Database connection string (required)")
	path         = flag.String("path", migration.DefaultPath, "Migrations directory")
	timeout      = flag.Duration("timeout", time.Minute, "Migration timeout")
)

func main() {
	flag.Parse()
	logger := observability.NewStandardLogger("kb-engine-migrate")

	if *dsn == "" {
		fmt.Println("Error: -dsn is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	db, err := sqlx.ConnectContext(ctx, "postgres", *dsn)
	if err != nil {
		logger.Error("failed to connect to database", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	manager, err := migration.NewManager(db, migration.Config{Path: *path, Timeout: *timeout}, logger)
	if err != nil {
		logger.Error("failed to create migration manager", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer manager.Close()

	switch {
	case *validateFlag:
		if err := manager.Validate(ctx); err != nil {
			logger.Error("validation failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		fmt.Println("migrations are valid")
	case *upFlag:
		if err := manager.Up(ctx); err != nil {
			logger.Error("migration failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		fmt.Println("migrations applied")
	default:
		flag.Usage()
	}
}
