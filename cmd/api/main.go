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

	"github.com/redis/go-redis/v9"

	"elder/api/internal/apitoken"
	"elder/api/internal/app"
	"elder/api/internal/auditlog"
	"elder/api/internal/config"
	"elder/api/internal/email"
	"elder/api/internal/health"
	"elder/api/internal/search"
	"elder/api/internal/store"
	elsync "elder/api/internal/sync"
	"elder/api/internal/sync/clients"
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

	if err := os.MkdirAll(cfg.AuditDir, 0o755); err != nil {
		log.Fatalf("failed to create audit dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var tracker *health.Tracker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url invalid: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		tracker = health.NewTracker(rdb, cfg.WebhookStaleAfter)
		log.Printf("Webhook health tracking enabled")
	} else {
		log.Printf("REDIS_URL not set, webhook health tracking disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	auditService := auditlog.New(cfg.AuditDir)
	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	tokenService := apitoken.NewService(dataStore)
	notifier := app.NewNotifier(cfg, emailService)

	var healthSink elsync.HealthSink
	if tracker != nil {
		healthSink = tracker
	}
	engine := elsync.NewEngine(dataStore, clients.ForConnection, searchService, notifier, auditService, healthSink)

	service := app.New(cfg, dataStore, engine, searchService, auditService, tracker, tokenService)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Elder API listening on %s", cfg.Addr)
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
