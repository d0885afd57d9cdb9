package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/api"
	"github.com/crmforge/bulkactions/internal/config"
	"github.com/crmforge/bulkactions/internal/contacts"
	"github.com/crmforge/bulkactions/internal/handler"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/pkg/logger"
	"github.com/crmforge/bulkactions/internal/queue"
	"github.com/crmforge/bulkactions/internal/storage"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevelFromString(cfg.Logging.Level)
	logger.SetRedactPII(cfg.Logging.RedactPII)

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("%v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Println("Connected to Redis")

	contactStore := contacts.NewStore(db)
	registry := handler.NewRegistry(
		handler.NewBulkUpdateHandler(contactStore, handler.NewDeduplicator()),
		handler.NewBulkDeleteHandler(contactStore),
	)

	actionStore := action.NewStore(db)
	entityStore := action.NewEntityStore(db)
	q := queue.New(rdb)
	auditStore := action.NewAuditStore(db)
	svc := action.NewService(actionStore, entityStore, auditStore, q, registry)
	hub := notify.NewHub()

	// Worker processes publish progress over Redis; relay it into the hub
	// feeding this process's SSE subscribers.
	relay := notify.NewRelay(rdb, hub)
	relay.Start()

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute)
		log.Printf("Rate limiting intake at %d requests/minute per account", cfg.RateLimit.RequestsPerMinute)
	}

	var archiver *storage.Archiver
	if cfg.Archive.Enabled {
		archiver, err = storage.NewArchiver(context.Background(), storage.ArchiveConfig{
			Bucket: cfg.Archive.Bucket,
			Region: cfg.Archive.Region,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			log.Fatalf("Failed to initialize S3 archiver: %v", err)
		}
		log.Printf("Archiving uploads to s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	srv := api.NewServer(svc, hub, limiter, archiver)

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(cfg.Server.Addr()); err != nil {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	relay.Stop()
	log.Println("Server stopped")
}
