package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/config"
	"github.com/crmforge/bulkactions/internal/contacts"
	"github.com/crmforge/bulkactions/internal/handler"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/pkg/distlock"
	"github.com/crmforge/bulkactions/internal/pkg/logger"
	"github.com/crmforge/bulkactions/internal/queue"
	"github.com/crmforge/bulkactions/internal/worker"
)

func main() {
	log.Println("Starting bulk action worker...")

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
	auditStore := action.NewAuditStore(db)

	// Progress updates go over Redis pub/sub; the API process relays them
	// into its subscriber hub.
	publisher := notify.NewPublisher(rdb)
	processor := worker.NewProcessor(actionStore, entityStore, auditStore, registry, publisher)
	q := queue.New(rdb)
	consumer := queue.NewConsumer(q, processor.ProcessAction)
	consumer.Start()

	var scheduler *worker.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = worker.NewScheduler(actionStore, q)
		scheduler.SetPollInterval(cfg.Scheduler.PollInterval())
		scheduler.SetLock(distlock.NewLock(rdb, db, "bulkactions:scheduler", cfg.Scheduler.LockTTL()))
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	if scheduler != nil {
		scheduler.Stop()
	}
	consumer.Stop()

	actionsDone, entitiesDone := processor.Counters()
	log.Printf("Worker stopped. Processed %d actions, %d entities", actionsDone, entitiesDone)
}
