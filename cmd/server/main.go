package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailtriage/internal/analyst"
	"github.com/ignite/mailtriage/internal/bus"
	"github.com/ignite/mailtriage/internal/config"
	"github.com/ignite/mailtriage/internal/health"
	"github.com/ignite/mailtriage/internal/ingest"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/pipeline"
	"github.com/ignite/mailtriage/internal/pkg/distlock"
	"github.com/ignite/mailtriage/internal/prompt"
	"github.com/ignite/mailtriage/internal/sla"
	"github.com/ignite/mailtriage/internal/store"
	"github.com/ignite/mailtriage/internal/strategist"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return store.NewPostgres(cfg.Storage.DatabaseURL)
	case "dynamodb":
		return store.NewDynamo(ctx, cfg.Storage.DynamoDBTable, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func main() {
	log.Println("MailTriage server starting (cmd/server/main.go)")

	configPath := "config/config.yaml"
	if v := os.Getenv("MAILTRIAGE_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("No config file at %s, using defaults", configPath)
		cfg = config.Default()
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer st.Close()
	log.Printf("Storage initialized: %s", cfg.Storage.Type)

	// Raw-body archive is optional; the pipeline works from the stored
	// email either way.
	var archive *store.Archive
	if cfg.Storage.S3Bucket != "" && cfg.Storage.Type != "memory" {
		archive, err = store.NewArchive(ctx, cfg.Storage.S3Bucket, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Printf("Warning: S3 archive init failed: %v", err)
		} else {
			log.Printf("S3 archive enabled: bucket=%s", cfg.Storage.S3Bucket)
		}
	}

	// Redis backs subscriber cursors and the SLA scanner's leader lock.
	// Without it, both fall back to single-node in-memory behavior.
	var redisClient *redis.Client
	var cursors bus.CursorStore = bus.NewMemoryCursorStore()
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v, using in-memory cursors", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			cursors = bus.NewRedisCursorStore(redisClient, "mailtriage:cursor")
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}
	eventBus := bus.New(cursors)

	primary, err := llm.NewBedrockClient(ctx, cfg.Model.PrimaryID, cfg.Model.Region)
	if err != nil {
		log.Fatalf("Failed to initialize primary model client: %v", err)
	}
	critical, err := llm.NewBedrockClient(ctx, cfg.Model.CriticalID, cfg.Model.Region)
	if err != nil {
		log.Fatalf("Failed to initialize critical model client: %v", err)
	}
	log.Printf("Model clients ready: primary=%s critical=%s region=%s",
		cfg.Model.PrimaryID, cfg.Model.CriticalID, cfg.Model.Region)

	renderer := prompt.NewRenderer()
	metrics := health.NewMetrics()

	pipe := pipeline.New(cfg, st, eventBus, metrics,
		analyst.New(primary, renderer, cfg.Model.TimeoutPrimary()),
		strategist.New(critical, renderer, cfg.Model.TimeoutCritical()))
	if archive != nil {
		pipe.WithArchive(archive)
	}
	pipe.Start()

	scanner := sla.NewScanner(st, eventBus, cfg.SLA.Policy(), sla.RealClock(), cfg.SLA.ScanInterval())
	if redisClient != nil {
		scanner = scanner.WithLeaderLock(distlock.NewRedisLock(redisClient, "sla-scan", 2*cfg.SLA.ScanInterval()))
	}
	scanner.Start()

	var poller *ingest.Runner
	if cfg.Ingest.BaseURL != "" {
		poller = ingest.NewRunner(
			ingest.NewHTTPSource(cfg.Ingest),
			pipe,
			cfg.Ingest.BatchSize,
			cfg.Ingest.PollInterval(),
		)
		poller.Start()
		log.Printf("Ingest poller started against %s", cfg.Ingest.BaseURL)
	} else {
		log.Println("Ingest not configured (no base_url); pipeline accepts direct submits only")
	}

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      health.NewHandler(metrics, st).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("HTTP listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")
	<-done
	log.Println("Shutting down...")

	// Stop intake first so the pipeline can drain, then the periodic
	// workers, then the HTTP surface.
	if poller != nil {
		poller.Stop()
	}
	pipe.Stop(30 * time.Second)
	scanner.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}
