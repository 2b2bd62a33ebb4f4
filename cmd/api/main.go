package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"waypoint/api/internal/app"
	"waypoint/api/internal/catalog"
	"waypoint/api/internal/checkpoint"
	"waypoint/api/internal/config"
	"waypoint/api/internal/events"
	"waypoint/api/internal/export"
	"waypoint/api/internal/lifecycle"
	"waypoint/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	pgCatalog := catalog.NewPgCatalog(db)

	var cat *catalog.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := catalog.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		cat = catalog.NewService(meiliClient, meiliClient, pgCatalog)
	} else {
		cat = catalog.NewService(nil, nil, pgCatalog)
	}

	// Rebuild checkpoints live in Redis so an interrupted rebuild can
	// resume where it left off. Without Redis they are process-local.
	var seen catalog.SeenSet
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSeen, err := checkpoint.NewRedisSet(cfg.RedisURL, "catalog", 24*time.Hour)
		if err != nil {
			log.Printf("WARNING: redis unavailable, rebuild checkpoints are in-memory: %v", err)
			seen = checkpoint.NewMemorySet()
		} else {
			defer redisSeen.Close()
			seen = redisSeen
		}
	} else {
		seen = checkpoint.NewMemorySet()
	}

	bus := events.NewBus()
	service := app.NewService(dataStore, cat, bus, seen,
		[]byte(cfg.TokenSecret), cfg.AccessTTL, cfg.Sites)
	lifecycle.NewHandlers(dataStore, cat).Register(bus)

	httpServer := app.NewHTTPServer(service, export.NewCertificates(), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Waypoint API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
