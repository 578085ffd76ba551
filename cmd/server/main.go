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
	"github.com/ignite/appforge/internal/api"
	"github.com/ignite/appforge/internal/automation"
	"github.com/ignite/appforge/internal/cache"
	"github.com/ignite/appforge/internal/config"
	"github.com/ignite/appforge/internal/docs"
	"github.com/ignite/appforge/internal/events"
	"github.com/ignite/appforge/internal/jobs"
	"github.com/ignite/appforge/internal/mailing"
	"github.com/ignite/appforge/internal/records"
	"github.com/ignite/appforge/internal/registry"
	"github.com/ignite/appforge/internal/secrets"
	"github.com/ignite/appforge/internal/storage"
)

func openDB(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// secretBox builds the at-rest cipher. Without APP_SECRET_KEY a random key is
// generated, so sealed secrets do not survive a restart.
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

func blobProvider(cfg config.StorageConfig) (storage.Provider, error) {
	if cfg.Type == "s3" {
		return storage.NewS3Provider(context.Background(), cfg.Bucket, cfg.Region)
	}
	return storage.NewLocalProvider(cfg.Path)
}

func main() {
	log.Println("Starting AppForge server...")

	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var db *sql.DB
	if cfg.Database.UseDB {
		db, err = openDB(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		log.Println("Connected to database")
	} else {
		log.Println("USE_DB=0, running on in-memory stores")
	}

	var redisClient *redis.Client
	responseCache := cache.Cache(cache.NewMemory())
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		responseCache = cache.NewRedis(redisClient)
		log.Printf("Response cache on redis %s", cfg.Redis.Addr)
	}

	var regStore registry.Store
	var recStore records.Store
	var jobStore jobs.Store
	if db != nil {
		regStore = registry.NewPostgresStore(db)
		recStore = records.NewPostgresStore(db)
		jobStore = jobs.NewPostgresStore(db)
	} else {
		regStore = registry.NewMemoryStore()
		recStore = records.NewMemoryStore()
		jobStore = jobs.NewMemoryStore()
	}

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

	provider, err := blobProvider(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}
	blobs := storage.NewService(provider)
	attachments := storage.NewAttachmentStore()
	renderer := docs.NewHTTPRenderer(cfg.Renderer.URL, time.Duration(cfg.Renderer.TimeoutMS)*time.Millisecond)
	docSvc := docs.NewService(docs.NewStore(), recs, renderer, blobs, attachments, chatter)

	// The in-memory stores are process-local, so the job loop has to live in
	// this process. With postgres the worker binary owns it.
	var inProcess *jobs.Worker
	var cleanup *jobs.Scheduler
	if db == nil {
		inProcess = jobs.NewWorker(jobStore, cfg.Worker.PollInterval(), cfg.Worker.Batch)
		inProcess.Register(jobs.TypeEmailSend, mailSvc.HandleSendJob)
		inProcess.Register(jobs.TypeDocGenerate, docSvc.HandleGenerateJob)
		inProcess.Register(jobs.TypeAutomationRun, engine.HandleJob)
		inProcess.Register(jobs.TypeAttachmentsCleanup, docSvc.HandleCleanupJob)
		inProcess.Start()
		log.Println("In-process job worker started")

		cleanup = jobs.NewScheduler(jobStore, nil, cfg.Worker.OrgID, cfg.Worker.CleanupSource, cfg.Worker.CleanupHours, time.Hour)
		cleanup.Start()
	}

	handlers := api.NewHandlers(cfg, reg, recs, executor, bus, autoStore, engine, jobStore,
		mailSvc, docSvc, chatter, notifier, responseCache)
	srv := api.NewServer(handlers)

	go func() {
		log.Printf("Listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(cfg.Server.Addr()); err != nil {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	if cleanup != nil {
		cleanup.Stop()
	}
	if inProcess != nil {
		inProcess.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}
