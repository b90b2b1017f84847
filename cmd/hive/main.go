// Package main is the entry point for the Hive daemon: it supervises
// cell services, provisions worktrees, and brokers coding-agent
// sessions against a shared opencode server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hiverun/hive/internal/agent/runtime"
	"github.com/hiverun/hive/internal/common/config"
	"github.com/hiverun/hive/internal/common/logger"
	"github.com/hiverun/hive/internal/db"
	"github.com/hiverun/hive/internal/events"
	"github.com/hiverun/hive/internal/ports"
	"github.com/hiverun/hive/internal/provision"
	"github.com/hiverun/hive/internal/store"
	"github.com/hiverun/hive/internal/supervisor"
	"github.com/hiverun/hive/internal/template"
	"github.com/hiverun/hive/internal/terminal"
	"github.com/hiverun/hive/internal/worktree"
	"github.com/hiverun/hive/pkg/opencode"
)

const agentHealthTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Hive...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory, or NATS when configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	publisher := events.NewPublisher(eventBus, log)

	// 4. Database: single-writer/multi-reader SQLite, migrated at boot.
	// A failed migration aborts startup.
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "./hive.db"
	}
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("db_path", dbPath))
	}
	defer func() { _ = writer.Close() }()
	if err := db.Migrate(writer.DB, cfg.Database.MigrationsDir); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err), zap.String("db_path", dbPath))
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		log.Fatal("Failed to open read-only database", zap.Error(err))
	}
	defer func() { _ = reader.Close() }()
	st := store.New(writer, reader, nil)
	log.Info("Database ready", zap.String("db_path", dbPath))

	// 5. Core components
	portManager := ports.NewManager(st, log)
	terminals := terminal.NewRuntime(log)
	templates := template.NewLoader(log)
	worktrees := worktree.NewGitAdapter(log)

	serviceSupervisor := supervisor.New(st, portManager, terminals, templates, publisher, &cfg.Setup, log)
	provisioner := provision.New(st, serviceSupervisor, worktrees, templates, publisher, log)
	agentRuntime := runtime.New(runtime.DefaultCollaborators(cfg, st, templates, publisher, log), log)

	// 6. Resume interrupted work: restart dead services, re-enter pending
	// provisioning, and reopen flagged agent sessions once the opencode
	// server answers its health check.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := serviceSupervisor.Bootstrap(groupCtx); err != nil {
			log.Error("Service bootstrap failed", zap.Error(err))
		}
		provisioner.ResumeOnStartup(groupCtx)
		return nil
	})
	group.Go(func() error {
		probe := opencode.NewClient(cfg.Agent.ServerURL, "", cfg.Agent.Password, log)
		if err := probe.WaitForHealth(groupCtx, agentHealthTimeout); err != nil {
			log.Warn("Opencode server not reachable, skipping agent session resume",
				zap.String("server_url", cfg.Agent.ServerURL), zap.Error(err))
			return nil
		}
		agentRuntime.ResumeSessionsOnStartup(groupCtx)
		return nil
	})
	if err := group.Wait(); err != nil {
		log.Error("Startup resume failed", zap.Error(err))
	}

	log.Info("Hive ready",
		zap.String("workspace_root", cfg.Workspace.Root),
		zap.String("agent_server", cfg.Agent.ServerURL))

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Hive...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Mid-task agents are flagged before their sessions close so the
	// next boot can pick the work back up.
	agentRuntime.MarkSessionsForResume(shutdownCtx)
	agentRuntime.CloseAll(shutdownCtx, runtime.StopOptions{})
	serviceSupervisor.StopAll(shutdownCtx)

	log.Info("Hive stopped")
}
