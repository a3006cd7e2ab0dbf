package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"talewise/api/internal/app"
	"talewise/api/internal/config"
	"talewise/api/internal/drafthistory"
	"talewise/api/internal/export"
	"talewise/api/internal/generator"
	"talewise/api/internal/logger"
	"talewise/api/internal/previewcache"
	"talewise/api/internal/search"
	"talewise/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("talewise api: %v", err)
		os.Exit(1)
	}
}

// run owns every resource so its defers close them before main exits.
func run() error {
	cfg := config.Load()
	ctx := context.Background()

	appLog, err := logger.NewWithOptions(logger.Options{
		Mode:     cfg.LogMode,
		Redact:   cfg.LogRedaction,
		HashSalt: cfg.LogHashSalt,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer appLog.Sync()

	db, err := store.Open(ctx, cfg)
	if err != nil {
		appLog.Error("database connection failed", "error", err)
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, appLog); err != nil {
		appLog.Error("migrations failed", "error", err)
		return err
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		appLog.Error("failed to create history dir", "dir", cfg.HistoryDir, "error", err)
		return err
	}

	gen, err := generator.NewClient(appLog, generator.Options{
		BaseURL:    cfg.GeneratorURL,
		APIKey:     cfg.GeneratorAPIKey,
		MaxRetries: cfg.GeneratorMaxRetries,
	})
	if err != nil {
		appLog.Error("generator client init failed", "error", err)
		return err
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, appLog)
	}
	searchService := search.NewService(meiliClient, pgfts, appLog)
	defer searchService.Close()

	deps := app.Deps{
		Store:     store.NewPostgresStore(db),
		Generator: gen,
		History:   drafthistory.New(cfg.HistoryDir),
		Search:    searchService,
		Exporter:  export.NewService(),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := previewcache.NewRedisCache(cfg.RedisURL, cfg.PreviewCacheTTL)
		if err != nil {
			appLog.Warn("redis unavailable, contract previews will not be cached", "error", err)
		} else {
			appLog.Info("using redis for contract preview cache")
			defer cache.Close()
			deps.Cache = cache
		}
	}

	service := app.New(cfg, appLog, deps)
	if err := service.Bootstrap(ctx); err != nil {
		appLog.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	httpServer := app.NewHTTPServer(service, appLog, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLog.Info("Talewise API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var failure error
	select {
	case sig := <-sigCh:
		appLog.Info("shutting down", "signal", sig.String())
	case failure = <-serveErr:
		appLog.Error("server failed", "error", failure)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("shutdown error", "error", err)
	}
	// Generation jobs write their result after the request returns.
	if err := service.Wait(shutdownCtx); err != nil {
		appLog.Warn("generation jobs still running at exit", "error", err)
	}
	return failure
}
