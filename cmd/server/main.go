// Command server runs the pawmarket settlement API. "server migrate" applies
// the schema migrations and exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pawmarket/pawmarket/app"
	"github.com/pawmarket/pawmarket/internal/config"
	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fallback := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(migrate(fallback))
	}
	os.Exit(serve(fallback))
}

func migrate(logger *slog.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("migration failed", "error", err)
		return 1
	}
	logger.Info("migrations applied")
	return 0
}

func serve(fallback *slog.Logger) int {
	application, err := app.New()
	if err != nil {
		fallback.Error("failed to initialize app", "error", err)
		return 1
	}
	defer application.Close()

	srv, err := server.New(application.Config, application.Logger, application.Handlers)
	if err != nil {
		application.Logger.Error("failed to initialize server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			application.Logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// Shutdown waits for in-flight webhook settlements to commit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		application.Logger.Error("server forced to shutdown", "error", err)
		return 1
	}
	return 0
}
