package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/appforge/internal/actions"
	"github.com/ignite/appforge/internal/activity"
	"github.com/ignite/appforge/internal/automation"
	"github.com/ignite/appforge/internal/cache"
	"github.com/ignite/appforge/internal/config"
	"github.com/ignite/appforge/internal/docs"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/pkg/distlock"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
	"github.com/ignite/appforge/internal/secrets"
	"github.com/ignite/appforge/internal/storage"
)

func secretBox(key string) *secrets.Box {
	if key == "" {
		raw := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			log.Fatalf("Failed to generate ephemeral secret key: %v", err)
		}
		key = base64.URLEncoding.EncodeToString(raw)
		log.Println("WARNING: APP_SECRET_KEY not set, sealed secrets are ephemeral")
	}
	box, err := secrets.New(key)
	if err != nil {
		log.Fatalf("Failed to initialize secret box: %v", err)
	}
	return box
}

func main() {
	log.Println("Starting AppForge worker...")

	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Database.UseDB {
		log.Fatal("The worker binary needs USE_DB=1; with in-memory stores the server runs its own job loop")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	responseCache := cache.Cache(cache.NewMemory())
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		responseCache = cache.NewRedis(redisClient)
	}

	regStore := registry.NewPostgresStore(db)
	recStore := records.NewPostgresStore(db)
	jobStore := jobs.NewPostgresStore(db)

	recs := records.NewService(recStore)
	reg := registry.New(regStore, registry.NewDraftStore(), recStore, responseCache)

	chatter := activity.NewStore()
	notifier := activity.NewNotifier()
	bus := events.NewBus(events.NewOutbox())

	executor := actions.New(reg, recs, chatter, bus, responseCache)

	box := secretBox(cfg.Secrets.AppSecretKey)
	mailSvc := mailing.NewService(mailing.NewStore(), box, jobStore)

	autoStore := automation.NewStore()
	engine := automation.NewEngine(autoStore, jobStore, executor, notifier, mailSvc)
	engine.Attach(bus)

	var provider storage.Provider
	if cfg.Storage.Type == "s3" {
		provider, err = storage.NewS3Provider(context.Background(), cfg.Storage.Bucket, cfg.Storage.Region)
	} else {
		provider, err = storage.NewLocalProvider(cfg.Storage.Path)
	}
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}
	blobs := storage.NewService(provider)
	renderer := docs.NewHTTPRenderer(cfg.Renderer.URL, time.Duration(cfg.Renderer.TimeoutMS)*time.Millisecond)
	docSvc := docs.NewService(docs.NewStore(), recs, renderer, blobs, storage.NewAttachmentStore(), chatter)

	w := jobs.NewWorker(jobStore, cfg.Worker.PollInterval(), cfg.Worker.Batch)
	w.Register(jobs.TypeEmailSend, mailSvc.HandleSendJob)
	w.Register(jobs.TypeDocGenerate, docSvc.HandleGenerateJob)
	w.Register(jobs.TypeAutomationRun, engine.HandleJob)
	w.Register(jobs.TypeAttachmentsCleanup, docSvc.HandleCleanupJob)
	w.Start()
	log.Printf("Job worker polling every %s, batch %d", cfg.Worker.PollInterval(), cfg.Worker.Batch)

	// One cleanup scheduler per deployment; redis or pg advisory lock elects
	// the leader across replicas.
	lock := distlock.New(redisClient, db, "appforge:cleanup-leader", 2*time.Minute)
	cleanup := jobs.NewScheduler(jobStore, lock, cfg.Worker.OrgID, cfg.Worker.CleanupSource, cfg.Worker.CleanupHours, time.Hour)
	cleanup.Start()
	log.Printf("Cleanup scheduler started (source=%s, older than %dh)", cfg.Worker.CleanupSource, cfg.Worker.CleanupHours)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cleanup.Stop()
	w.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}
