package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omnigate/backend/internal/api"
	"github.com/omnigate/backend/internal/auth"
	"github.com/omnigate/backend/internal/billing"
	"github.com/omnigate/backend/internal/budget"
	"github.com/omnigate/backend/internal/circuitbreaker"
	"github.com/omnigate/backend/internal/config"
	"github.com/omnigate/backend/internal/dlq"
	"github.com/omnigate/backend/internal/ensemble"
	"github.com/omnigate/backend/internal/infra"
	"github.com/omnigate/backend/internal/ledger"
	"github.com/omnigate/backend/internal/metrics"
	"github.com/omnigate/backend/internal/middleware"
	"github.com/omnigate/backend/internal/pricing"
	"github.com/omnigate/backend/internal/provider"
	"github.com/omnigate/backend/internal/router"
	"github.com/omnigate/backend/internal/settlement"
	"github.com/omnigate/backend/internal/wal"
)

// providerHealth bridges the breaker manager to the router and gateway,
// mirroring state transitions into the breaker gauge.
type providerHealth struct {
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

func (h *providerHealth) Healthy(name string) bool { return h.breakers.Get(name).AllowRequest() }

func (h *providerHealth) AllowRequest(name string) bool {
	return h.breakers.Get(name).AllowRequest()
}

func (h *providerHealth) RecordSuccess(name string) {
	b := h.breakers.Get(name)
	b.RecordSuccess()
	h.metrics.SetBreakerState(name, int(b.State()))
}

func (h *providerHealth) RecordFailure(name string) {
	b := h.breakers.Get(name)
	b.RecordFailure()
	h.metrics.SetBreakerState(name, int(b.State()))
}

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml (optional)")
	flag.Parse()

	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// ===== Infrastructure =====

	rdb, redisErr := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	// ===== Routing and pricing =====

	table, err := router.LoadTable(cfg.Routing.TablePath)
	if err != nil {
		logger.Fatalf("load routing table: %v", err)
	}
	if cfg.Routing.BudgetPolicy != "" {
		table.BudgetPolicy = cfg.Routing.BudgetPolicy
	}

	prices := pricing.NewTable(nil)
	if cfg.Routing.PricingPath != "" {
		prices, err = pricing.LoadTable(cfg.Routing.PricingPath)
		if err != nil {
			logger.Fatalf("load pricing table: %v", err)
		}
	}

	// ===== Providers =====

	registry := provider.NewRegistry()
	registry.Register("anthropic", provider.NewAnthropicAdapter(
		cfg.Providers.AnthropicBaseURL, cfg.Providers.AnthropicAPIKey, nil, provider.DefaultRetryPolicy()))
	if cfg.Providers.OpenAIBaseURL != "" {
		registry.Register("openai", provider.NewOpenAIAdapter(
			cfg.Providers.OpenAIBaseURL, cfg.Providers.OpenAIAPIKey, nil, provider.DefaultRetryPolicy()))
	}
	registry.Register("claude-code", provider.NativeAdapter{})

	m := metrics.NewMetrics()
	breakers := circuitbreaker.NewManager(nil)
	health := &providerHealth{breakers: breakers, metrics: m}

	// ===== Billing =====

	walPath := filepath.Join(cfg.Billing.WALDir, "billing.wal")
	walLog, err := wal.OpenFile(walPath)
	if err != nil {
		logger.Fatalf("open wal: %v", err)
	}
	machine := billing.NewMachine(ledger.New(), walLog)

	guard := &circuitbreaker.BillingGuard{
		Breaker:    breakers.Get("ledger"),
		Pending:    machine,
		MaxPending: 100,
	}

	var counter budget.Counter
	if redisErr == nil {
		counter = budget.NewRedisCounter(rdb.Client())
	} else {
		counter = budget.NewMemoryCounter()
	}
	enforcer := budget.NewEnforcer(counter, nil)

	resolver := router.NewResolver(table, prices, health, enforcer)

	tenants, err := config.NewManager(cfg, cfg.Routing.TenantsPath)
	if err != nil {
		logger.Fatalf("load tenant overrides: %v", err)
	}
	// No pools configured means pool authorization is off, not that every
	// tenant is locked out.
	var selector api.PoolGate
	if len(table.Pools) > 0 {
		selector = router.NewPoolSelector(table.Pools, table.TierDefaults, table.DefaultPool)
	}
	claimsFor := func(tenant string) router.Claims {
		claims := router.Claims{TenantID: tenant}
		if o, ok := tenants.Override(tenant); ok {
			claims.Tier = o.Tier
			claims.AuthorizedPools = o.AuthorizedPools
			claims.PoolPreferences = o.PoolPreferences
		}
		return claims
	}

	// ===== Settlement and DLQ =====

	var settler *settlement.Client
	if cfg.Settlement.BaseURL != "" && cfg.Settlement.SigningKeyPEM != "" {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.Settlement.SigningKeyPEM))
		if err != nil {
			logger.Fatalf("parse settlement signing key: %v", err)
		}
		signer := settlement.NewTokenSigner(key, cfg.Settlement.Issuer, cfg.Settlement.Audience)
		settler = settlement.NewClient(cfg.Settlement.BaseURL, signer, cfg.Server.Env)
	}

	var dlqStore dlq.Store
	if redisErr == nil {
		dlqStore = dlq.NewRedisStore(rdb.Client(), cfg.Billing.MaxFinalizeRetries)
	} else {
		dlqStore = dlq.NewMemoryStore()
	}

	var billWorker *billing.Worker
	var dlqWorker *dlq.Worker
	if settler != nil {
		billWorker = billing.NewWorker(machine, settler, dlq.Pusher{Store: dlqStore},
			30*time.Second, 10*time.Minute)
		dlqWorker = dlq.NewWorker(dlqStore, settler, machine, dlq.WorkerConfig{
			MaxRetries: cfg.Billing.MaxFinalizeRetries,
		})
	}

	// ===== Startup sequence =====

	startup := config.NewStartup()
	startup.
		Must("config", func(context.Context) error {
			return cfg.Validate()
		}).
		Must("wal-dir", func(context.Context) error {
			return config.CheckWritable(cfg.Billing.WALDir)
		}).
		Must("wal-replay", func(context.Context) error {
			n, err := machine.Recover()
			if err != nil {
				return err
			}
			logger.Printf("wal replay restored %d entries", n)
			return nil
		}).
		Should("redis", func(context.Context) error {
			return redisErr
		}).
		Should("dlq-durability", func(c context.Context) error {
			if status := dlqStore.CheckPersistence(c); status == dlq.PersistenceNotEnabled {
				return fmt.Errorf("dlq store is not durable, parked entries will not survive a restart")
			}
			return nil
		}).
		Should("settlement-handshake", func(c context.Context) error {
			if settler == nil {
				return fmt.Errorf("settlement not configured, running detached")
			}
			return settler.Handshake(c)
		}).
		Should("dlq-orphan-sweep", func(c context.Context) error {
			if dlqWorker == nil {
				return fmt.Errorf("no settler, parked entries left for dlq-replay")
			}
			dlqWorker.Sweep(c, time.Now())
			return nil
		})
	if err := startup.Run(ctx); err != nil {
		logger.Fatalf("startup aborted: %v", err)
	}

	// ===== Background workers =====

	if settler != nil {
		go billWorker.Run(ctx)
		go dlqWorker.Run(ctx)
	}
	go enforcer.RunReconciler(ctx, time.Minute)

	// ===== Gateway and HTTP surface =====

	orch := ensemble.New()
	branches := func(models []string) ([]ensemble.Branch, error) {
		out := make([]ensemble.Branch, 0, len(models))
		for _, alias := range models {
			info, err := table.Canonical(alias)
			if err != nil {
				return nil, err
			}
			adapter, err := registry.Get(info.Provider)
			if err != nil {
				return nil, err
			}
			entry, _ := prices.Find(info.Provider, info.ModelID)
			out = append(out, ensemble.Branch{
				PoolID:   alias,
				Provider: info.Provider,
				Model:    info.ModelID,
				Adapter:  adapter,
				Pricing:  entry,
			})
		}
		return out, nil
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Limits.MaxCallsPerMinute,
		BurstSize:         cfg.Limits.BurstSize,
	})
	toolLoop := router.NewToolLoop(router.NewToolSet(), enforcer, guard, limiter,
		router.LoopConfig{MaxWallTime: cfg.Limits.MaxWallTime})

	gateway := api.NewGateway(api.GatewayConfig{
		Resolver:     resolver,
		Adapters:     registry,
		Biller:       machine,
		Spender:      enforcer,
		Health:       health,
		Guard:        guard,
		Budget:       enforcer,
		Pools:        selector,
		Claims:       claimsFor,
		ToolLoop:     toolLoop,
		Orchestrator: orch,
		Branches:     branches,
		Metrics:      m,
	})

	var kv auth.KV
	if redisErr == nil {
		kv = rdb
	} else {
		kv = auth.NewMemoryKV()
	}
	keys := auth.NewKeyStore(kv)
	// Validate() requires the secrets in production; empty ones only ever
	// happen in development.
	sessions := auth.NewSessionManager(kv,
		[]byte(cfg.Auth.JWTSecret), []byte(cfg.Auth.ChallengeSecret), "omnigate")
	var challenger *auth.Challenger
	if cfg.Auth.ChallengeSecret != "" && cfg.Auth.PayRecipient != "" {
		challenger = auth.NewChallenger(
			[]byte(cfg.Auth.ChallengeSecret), cfg.Auth.PayRecipient, cfg.Auth.PayChainID)
	}

	server := api.NewServer(gateway, keys, sessions, challenger, limiter, startup)
	if err := server.Start(cfg.Server.Port); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}
