package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/regdoc/backend/internal/api"
	"github.com/regdoc/backend/internal/audit"
	"github.com/regdoc/backend/internal/blobstore"
	"github.com/regdoc/backend/internal/config"
	"github.com/regdoc/backend/internal/ctms"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/engine"
	"github.com/regdoc/backend/internal/events"
	"github.com/regdoc/backend/internal/identity"
	"github.com/regdoc/backend/internal/infra"
	"github.com/regdoc/backend/internal/integration"
	"github.com/regdoc/backend/internal/metrics"
	"github.com/regdoc/backend/internal/notify"
	"github.com/regdoc/backend/internal/webhooks"
	"github.com/regdoc/backend/internal/websocket"
)

func main() {
	log.Println("🔥 Starting Regulated Document Lifecycle Engine...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	// 1. Persistence
	var (
		docs  docstore.Store
		blobs blobstore.Store
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("❌ Postgres: %v", err)
		}
		docStore, err := docstore.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("❌ Document store: %v", err)
		}
		blobStore, err := blobstore.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("❌ Blob store: %v", err)
		}
		docs, blobs = docStore, blobStore
		log.Println("✅ Postgres storage ready")
	default:
		docs = docstore.NewMemoryStore()
		blobs = blobstore.NewMemoryStore()
		log.Println("⚠️ In-memory storage (documents are lost on restart)")
	}

	// 2. Event bus: Redis fan-out when configured, local otherwise.
	localBus := events.NewBus()
	var bus events.Emitter = localBus
	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ Redis unavailable, falling back to local bus: %v", err)
		} else {
			redisBus, err := events.NewRedisBus(adapter, "", localBus)
			if err != nil {
				log.Printf("⚠️ Redis bus setup failed, local bus only: %v", err)
			} else {
				bus = redisBus
				log.Println("✅ Redis event fan-out ready")
			}
		}
	}

	// 3. Webhooks, notifications, identity, metrics
	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, cfg.Webhooks.Workers, cfg.Webhooks.QueueSize)

	var notifier notify.Notifier
	if cfg.Notify.Mode == "smtp" && cfg.Notify.SMTPAddr != "" {
		var auth smtp.Auth
		notifier = notify.NewSMTPNotifier(cfg.Notify.SMTPAddr, cfg.Notify.From, auth)
		log.Printf("✅ SMTP notifications via %s", cfg.Notify.SMTPAddr)
	} else {
		notifier = notify.NewLogNotifier()
	}

	directory := identity.NewMemoryDirectory()

	// 4. The engine
	eng := engine.New(engine.Options{
		Docs:           docs,
		Blobs:          blobs,
		Directory:      directory,
		Trail:          audit.NewTrail(),
		Events:         bus,
		Webhooks:       dispatcher,
		Notifier:       notifier,
		Metrics:        metrics.NewMetrics(),
		DefaultDueDays: cfg.Workflow.DefaultDueDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconciler finishes supersessions cut short by a crash.
	go eng.RunReconciler(ctx, time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second)

	// 5. Request surface
	streamer := websocket.NewStreamer(localBus)
	go streamer.Run()

	server := api.NewServer(api.ServerOptions{
		Engine:        eng,
		Directory:     directory,
		Integration:   integration.NewService(docs, dispatcher),
		CTMS:          ctms.NewDirectory(),
		Hooks:         registry,
		Streamer:      streamer,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		MaxUploadMB:   int64(cfg.Storage.MaxUploadMB),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("🚀 API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("👋 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	dispatcher.Shutdown()
}
