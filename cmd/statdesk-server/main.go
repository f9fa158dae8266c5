// Package main provides the statdesk development chat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/statdesk/internal/config"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/server"
)

func main() {
	seedDir := flag.String("seed", "", "directory of transcript .md files (and documents.yaml) to load on startup")
	flag.Parse()

	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	generator, err := server.NewGenerator(cfg)
	if err != nil {
		slog.Error("failed to create reply generator", "error", err)
		os.Exit(1)
	}

	store := server.NewStore(logger)
	if *seedDir != "" {
		result, err := server.LoadSeed(store, *seedDir)
		if err != nil {
			slog.Error("failed to load seed data", "dir", *seedDir, "error", err)
			os.Exit(1)
		}
		slog.Info("seed data loaded", "sessions", result.Sessions, "documents", result.Documents, "skipped", len(result.Skipped))
	}

	srv := server.New(store, generator,
		server.WithLogger(logger),
		server.WithMetrics(metrics.NewCollector()),
		server.WithToken(cfg.ServerToken),
		server.WithReplyDelay(cfg.ReplyDelay),
	)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("starting statdesk-server", "port", cfg.ServerPort, "provider", cfg.LLMProvider, "reply_delay", cfg.ReplyDelay)
		slog.Info("chat API available", "url", fmt.Sprintf("http://localhost:%s/api", cfg.ServerPort))
		if cfg.ServerToken == "" {
			slog.Warn("no STATDESK_SERVER_TOKEN set, any bearer token is accepted")
		}

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// WebSocket streams are hijacked and not tracked by Shutdown; the reply
	// worker and request contexts end them.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
