package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/httpapi"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := utils.NewLogger("main")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Build every component
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return 1
	}
	a.Start(ctx)
	// pick up the configured level and format
	logger = utils.NewLogger("main")

	current := a.Gateway.Current()
	logger.Info("Model gateway ready",
		"providers", len(a.Gateway.Chain()),
		"first_choice", current.ProviderID+"/"+current.ModelID,
	)

	addr := ":" + cfg.HTTP.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(httpapi.DependenciesFromApp(a), cfg.HTTP.AdminToken),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Ops server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for a signal or a server failure
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		logger.Error("Server error", "error", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", "error", err)
	}

	// Drains the usage queue and flushes the event log
	if err := a.Close(); err != nil {
		exitCode = 1
	}
	logger.Info("Gateway exited")
	return exitCode
}
