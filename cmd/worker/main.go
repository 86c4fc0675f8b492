package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"elder/api/internal/app"
	"elder/api/internal/auditlog"
	"elder/api/internal/config"
	"elder/api/internal/discovery"
	"elder/api/internal/email"
	"elder/api/internal/health"
	"elder/api/internal/scheduler"
	"elder/api/internal/search"
	"elder/api/internal/store"
	elsync "elder/api/internal/sync"
	"elder/api/internal/sync/clients"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

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
	notifier := app.NewNotifier(cfg, emailService)

	var healthSink elsync.HealthSink
	if tracker != nil {
		healthSink = tracker
	}
	engine := elsync.NewEngine(dataStore, clients.ForConnection, searchService, notifier, auditService, healthSink)

	var checker scheduler.HealthChecker
	if tracker != nil {
		checker = tracker
	}
	sched := scheduler.New(dataStore, engine, checker, emailService, scheduler.Options{
		DefaultInterval: cfg.SyncInterval,
		MaxBackoffShift: cfg.MaxBackoffShift,
		NotifyEmail:     cfg.NotifyEmail,
	})

	if cfg.DiscoveryInterval > 0 {
		runner, err := buildDiscovery(ctx, cfg, dataStore)
		if err != nil {
			log.Printf("discovery disabled: %v", err)
		} else if runner != nil {
			go runner.RunLoop(ctx, cfg.DiscoveryInterval)
		}
	}

	log.Printf("Elder worker syncing every %s", cfg.SyncInterval)
	sched.Run(ctx)
}

// buildDiscovery wires the cloud connectors that have credentials configured.
func buildDiscovery(ctx context.Context, cfg config.Config, st *store.PostgresStore) (*discovery.Runner, error) {
	var connectors []discovery.Connector

	if aws, err := discovery.NewAWSConnector(ctx); err != nil {
		log.Printf("discovery: aws unavailable: %v", err)
	} else {
		connectors = append(connectors, aws)
	}

	if cfg.GCPProject != "" {
		if gcp, err := discovery.NewGCPConnector(ctx, cfg.GCPProject); err != nil {
			log.Printf("discovery: gcp unavailable: %v", err)
		} else {
			connectors = append(connectors, gcp)
		}
	}

	if cfg.AzureStorageConn != "" {
		if az, err := discovery.NewAzureConnector(cfg.AzureStorageConn, ""); err != nil {
			log.Printf("discovery: azure unavailable: %v", err)
		} else {
			connectors = append(connectors, az)
		}
	}

	if k8s, err := discovery.NewKubernetesConnector(cfg.Kubeconfig, ""); err != nil {
		log.Printf("discovery: kubernetes unavailable: %v", err)
	} else {
		connectors = append(connectors, k8s)
	}

	if len(connectors) == 0 {
		return nil, nil
	}

	var archive discovery.Archive
	if cfg.ArchiveEndpoint != "" {
		ma, err := discovery.NewMinioArchive(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			return nil, err
		}
		archive = ma
	}

	return discovery.NewRunner(st, archive, connectors...), nil
}
