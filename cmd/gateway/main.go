package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/breaker"
	"budget_gateway/internal/config"
	"budget_gateway/internal/fallback"
	"budget_gateway/internal/httpapi"
	"budget_gateway/internal/lease"
	"budget_gateway/internal/ledger"
	"budget_gateway/internal/providers"
	"budget_gateway/internal/queue"
	"budget_gateway/internal/ratelimit"
	"budget_gateway/internal/storage"
	"budget_gateway/internal/vault"
	"budget_gateway/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		AgentCacheSize:  cfg.Database.AgentCacheSize,
		AgentCacheTTL:   cfg.Database.AgentCacheTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	v, err := vault.NewAESVaultFromBase64(cfg.Vault.MasterKeyBase64)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	// Queues for async persistence of usage and audit records
	usageQueue, usageDLQ, usageQueueCfg, err := buildQueue(cfg, "usage")
	if err != nil {
		log.Fatalf("Failed to create usage queue: %v", err)
	}
	auditQueue, auditDLQ, auditQueueCfg, err := buildQueue(cfg, "audit")
	if err != nil {
		log.Fatalf("Failed to create audit queue: %v", err)
	}

	usageWorker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, db, usageQueueCfg)
	auditWorker := storage.NewAuditQueueWorker(auditQueue, auditDLQ, db, auditQueueCfg)
	usageWorker.Start(context.Background())
	auditWorker.Start(context.Background())

	var sink audit.Sink = audit.NewMultiSink(audit.NewLogSink(), audit.NewQueueSink(auditQueue))
	var archive *audit.S3Archive
	if cfg.Archive.Bucket != "" {
		archive, err = audit.NewS3Archive(context.Background(), audit.S3ArchiveConfig{
			Bucket:        cfg.Archive.Bucket,
			Region:        cfg.Archive.Region,
			Prefix:        cfg.Archive.Prefix,
			NodeName:      cfg.Archive.NodeName,
			FlushSize:     cfg.Archive.FlushSize,
			FlushInterval: cfg.Archive.FlushInterval,
		})
		if err != nil {
			log.Fatalf("Failed to initialize audit archive: %v", err)
		}
		sink = audit.NewMultiSink(audit.NewLogSink(), audit.NewQueueSink(auditQueue), archive)
	}

	// Ledger, hydrated from Postgres before taking traffic
	lg := ledger.New(storage.NewLedgerStore(db), ledger.Config{
		StoreRetryMax:     cfg.Ledger.StoreRetryMax,
		StoreRetryBackoff: cfg.Ledger.StoreRetryBackoff,
	})
	if err := hydrateLedger(context.Background(), db, lg); err != nil {
		log.Fatalf("Failed to hydrate ledger: %v", err)
	}

	providerKeys := storage.NewProviderKeyRepository(db, v)

	manager := lease.NewManager(lg, v, providerKeys, usageWorker, sink, lease.Config{
		DefaultGrantMicros: cfg.Lease.DefaultGrantMicros,
		MaxGrantMicros:     cfg.Lease.MaxGrantMicros,
		TTL:                cfg.Lease.TTL,
		RefreshGrace:       cfg.Lease.RefreshGrace,
	})

	sweeper := lease.NewSweeper(manager, cfg.Lease.SweepInterval)
	sweeper.Start()

	// Rate limiter needs Redis; without it, handshakes go unmetered
	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if cfg.RateLimit.HandshakePerMinute > 0 && cfg.Redis.Address != "" {
		limiter = ratelimit.NewRateLimiter(redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}))
	}

	registry := breaker.NewRegistry(breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Window:            cfg.Breaker.Window,
		ErrorRate:         cfg.Breaker.ErrorRate,
		MinWindowSamples:  cfg.Breaker.MinWindowSamples,
		Cooldown:          cfg.Breaker.Cooldown,
		ProbeSuccesses:    cfg.Breaker.ProbeSuccesses,
		HalfOpenMaxProbes: cfg.Breaker.HalfOpenMaxProbes,
	})

	invoker := providers.NewHTTPInvoker(v, providerEndpoints())
	executor := fallback.NewExecutor(invoker, registry, fallback.Config{
		DynamicRanking: cfg.Fallback.DynamicRanking,
		DefaultTimeout: cfg.Fallback.DefaultTimeout,
	})

	chain, err := loadFallbackChain()
	if err != nil {
		log.Fatalf("Failed to load fallback chain: %v", err)
	}

	wf := workflow.NewService(storage.NewBudgetRequestRepository(db), lg, sink, workflow.Config{
		MaxRequestDeltaMicros: cfg.Workflow.MaxRequestDeltaMicros,
	})

	agentRepo := storage.NewAgentRepository(db)

	deps := &httpapi.Dependencies{
		Config:      cfg,
		AgentKeys:   agentRepo,
		AdminTokens: storage.NewAdminTokenRepository(db),
		Leases:      manager,
		Workflow:    wf,
		Executor:    executor,
		Chain:       chain,
		RateLimit:   limiter,
		Health:      db.Health,
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(cfg, deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Budget gateway listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// stop accepting new work before draining the queues
	sweeper.Stop()
	_ = usageWorker.Stop()
	_ = auditWorker.Stop()
	_ = usageQueue.Close()
	_ = auditQueue.Close()
	if archive != nil {
		if err := archive.Shutdown(ctx); err != nil {
			log.Printf("Failed to flush audit archive: %v", err)
		}
	}

	log.Println("Server exited")
}

// buildQueue creates the queue and dead letter queue for one stream
func buildQueue(cfg *config.Config, name string) (queue.Queue, queue.DeadLetterQueue, *queue.Config, error) {
	qcfg := queue.DefaultConfig(name)
	qcfg.BatchSize = cfg.Queue.BatchSize
	qcfg.BatchTimeout = cfg.Queue.BatchTimeout
	qcfg.MaxRetries = cfg.Queue.MaxRetries
	qcfg.RetryBackoff = cfg.Queue.RetryBackoff
	qcfg.UseRedis = cfg.Queue.UseRedis

	if !qcfg.UseRedis {
		return queue.NewMemoryQueue(qcfg), queue.NewMemoryDeadLetterQueue(), qcfg, nil
	}

	qcfg.RedisAddr = cfg.Redis.Address
	qcfg.RedisPassword = cfg.Redis.Password
	qcfg.RedisDB = cfg.Redis.DB

	q, err := queue.NewRedisQueue(qcfg)
	if err != nil {
		return nil, nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue(qcfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return q, dlq, qcfg, nil
}

// hydrateLedger loads budgets and active leases into the in-memory arena.
// Must complete before the HTTP listener starts.
func hydrateLedger(ctx context.Context, db *storage.DB, lg *ledger.Ledger) error {
	agentRepo := storage.NewAgentRepository(db)
	leaseRepo := storage.NewLeaseRepository(db)

	budgets, err := agentRepo.ListBudgets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list budgets: %w", err)
	}
	for _, budget := range budgets {
		lg.HydrateBudget(budget)
	}

	leases, err := leaseRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active leases: %w", err)
	}
	for _, l := range leases {
		if err := lg.HydrateLease(l); err != nil {
			return fmt.Errorf("failed to hydrate lease %s: %w", l.ID, err)
		}
	}

	log.Printf("Hydrated %d budgets and %d active leases", len(budgets), len(leases))
	return nil
}

// providerEndpoints maps provider names to their HTTP endpoints.
// Overridable per provider with <PROVIDER>_BASE_URL for testing.
func providerEndpoints() map[string]providers.Endpoint {
	endpoints := map[string]providers.Endpoint{
		"openai": {
			BaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Path:    "/chat/completions",
		},
		"anthropic": {
			BaseURL:    envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			Path:       "/messages",
			AuthHeader: "x-api-key",
			AuthPrefix: "",
		},
	}
	return endpoints
}

// loadFallbackChain parses the tier chain from FALLBACK_CHAIN (a JSON
// array). An empty value disables /v1/invoke; lease accounting still works.
func loadFallbackChain() ([]fallback.Tier, error) {
	raw := os.Getenv("FALLBACK_CHAIN")
	if raw == "" {
		return nil, nil
	}

	var tiers []struct {
		Name       string `json:"name"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		Priority   int    `json:"priority"`
		CostMicros int64  `json:"cost_micros"`
		TimeoutMS  int    `json:"timeout_ms"`
		Terminal   bool   `json:"terminal"`
	}
	if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
		return nil, fmt.Errorf("invalid FALLBACK_CHAIN: %w", err)
	}

	chain := make([]fallback.Tier, 0, len(tiers))
	for _, t := range tiers {
		chain = append(chain, fallback.Tier{
			Name:       t.Name,
			Provider:   t.Provider,
			Model:      t.Model,
			Priority:   t.Priority,
			CostMicros: t.CostMicros,
			Timeout:    time.Duration(t.TimeoutMS) * time.Millisecond,
			Terminal:   t.Terminal,
		})
	}
	return chain, nil
}

func envOr(key, fallbackValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallbackValue
}
