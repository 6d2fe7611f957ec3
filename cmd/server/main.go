package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"daydrop/internal/server/api"
	"daydrop/internal/server/captcha"
	"daydrop/internal/server/config"
	"daydrop/internal/server/kv"
	"daydrop/internal/server/objectstore"
	"daydrop/internal/server/service"
	"daydrop/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"s3_bucket", cfg.S3Bucket,
		"max_total_bytes", cfg.MaxTotalBytes,
		"default_ttl", cfg.DefaultTTL,
	)

	ctx := context.Background()

	// Connect to the key-value store
	kvs, err := kv.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer kvs.Close()

	// Connect to the bucket
	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PathStyle:       cfg.S3PathStyle,
	})
	if err != nil {
		slog.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}
	if err := store.Ping(ctx); err != nil {
		slog.Error("failed to reach bucket", "bucket", cfg.S3Bucket, "error", err)
		os.Exit(1)
	}
	slog.Info("object storage ready", "bucket", cfg.S3Bucket)

	// Wire services
	verifier := captcha.New(cfg.TurnstileSiteKey, cfg.TurnstileSecretKey)
	ledger := service.NewLedger(kvs, store, cfg.MaxTotalBytes)
	uploads := service.NewUploadService(store, kvs, verifier, ledger, cfg)
	downloads := service.NewDownloadService(store, kvs, verifier, cfg)

	// Start the reaper
	reapCtx, reapCancel := context.WithCancel(context.Background())
	reaper := storage.NewReaper(store, kvs, ledger, kv.ObjectKey, cfg.CleanupInterval, cfg.ResumeWindow)
	reaper.Start(reapCtx)

	// Setup HTTP router
	handler := api.NewHandler(uploads, downloads, ledger, verifier.SiteKey(), kvs, store)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the reaper
	reapCancel()
	reaper.Wait()

	slog.Info("server exited cleanly")
}
