package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/repository"
	"flowboard/internal/server"
	"flowboard/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting Flowboard collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first so everything after is observable.
	jaegerShutdown, err := telemetry.InitJaeger("flowboard", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Event history: Postgres when configured, in-memory otherwise.
	var store repository.EventStore
	if cfg.DatabaseEnabled() {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		store = repository.NewGormEventStore(database.DB)
	} else {
		log.Println("✓ Using in-memory event history (set DB_HOST for Postgres)")
		store = repository.NewMemoryEventStore()
	}

	hub := server.NewHub(store)
	hub.Start()

	api := server.NewAPI(hub, store)
	router := server.SetupRoutes(api)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   WS     /ws/sessions/:id          - Push transport")
		log.Printf("   GET    /api/sessions/:id/events  - Event replay")
		log.Printf("   GET    /api/sessions/:id/poll    - Fallback polling")
		log.Printf("   GET    /api/health               - Health check")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	hub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
