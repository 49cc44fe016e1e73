// Command orchestratord runs the GPU orchestration core: the State
// Store, Event Bus, Agent Registry & Router, Orchestrator Engine,
// Worker Runtime, and HTTP API wired by internal/app.New, started as
// one process and stopped on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/newsmesh/gpu-orchestrator/internal/app"
	"github.com/newsmesh/gpu-orchestrator/internal/config"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/migrations"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "HTTP listen address, overrides HTTP_ADDR")
	dsn := flag.String("dsn", "", "PostgreSQL DSN, overrides DATABASE_URL")
	migrate := flag.Bool("migrate", false, "apply pending PostgreSQL migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("orchestratord: config: %v", err)
		return int(config.ExitConfigError)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dsn != "" {
		cfg.DatabaseURL = *dsn
	}

	if *migrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			log.Printf("orchestratord: migrate: %v", err)
			return int(config.ExitStoreUnreachable)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(rootCtx, cfg)
	if err != nil {
		log.Printf("orchestratord: startup: %v", err)
		return exitCodeForStartup(err)
	}

	if err := application.Start(rootCtx); err != nil {
		log.Printf("orchestratord: start: %v", err)
		return int(config.ExitTransientStartup)
	}
	log.Printf("orchestratord: listening on %s", cfg.HTTPAddr)

	<-rootCtx.Done()
	log.Printf("orchestratord: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Printf("orchestratord: shutdown: %v", err)
		return int(config.ExitTransientStartup)
	}
	return int(config.ExitOK)
}

// runMigrations applies pending schema migrations against dsn using a
// throwaway *sql.DB, independent of the pooled connection internal/app
// opens for the running store.
func runMigrations(dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("migrate requested but no DATABASE_URL/--dsn configured")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()
	return migrations.Apply(db)
}

// exitCodeForStartup distinguishes a bad store from a bad bus so
// operators and supervisors can tell the two apart from the exit code
// alone, the way the teacher's own bootstrap does.
func exitCodeForStartup(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "bus"):
		return int(config.ExitBusUnreachable)
	case strings.Contains(msg, "store"):
		return int(config.ExitStoreUnreachable)
	default:
		return int(config.ExitConfigError)
	}
}
