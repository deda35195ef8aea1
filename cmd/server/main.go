package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streamgate/paygate/internal/backend"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/exchange"
	"github.com/streamgate/paygate/internal/handler"
	"github.com/streamgate/paygate/internal/lightning"
	"github.com/streamgate/paygate/internal/middleware"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
	"github.com/streamgate/paygate/internal/provider"
	"github.com/streamgate/paygate/internal/repository"
	"github.com/streamgate/paygate/internal/service"
	"github.com/streamgate/paygate/internal/transport"
)

// feed is a payment feed that can also carry Lightning settlements.
type feed interface {
	provider.Ledger
	Publish(ctx context.Context, ev model.PaymentEvent) error
	Close() error
}

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)

	// node-lifetime context: peer links and background loops end with it
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 2. Initialize Persistence
	// Payment feeds, usage and idempotency (Redis > Memory)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		} else {
			logger.Error("Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	var feeds []feed
	openFeed := func(name string) feed {
		var f feed = backend.NewMemory()
		if redisClient != nil {
			block := time.Duration(cfg.Redis.BlockMs) * time.Millisecond
			f = repository.NewRedisLedger(redisClient, cfg.Redis.StreamPrefix, name, block)
		}
		feeds = append(feeds, f)
		return f
	}

	var usageRepo service.UsageRepo = service.NewUsageStore()
	var idempotencyStore middleware.IdempotencyStore
	if redisClient != nil {
		usageRepo = repository.NewRedisUsageRepo(redisClient)
		idempotencyStore = repository.NewRedisIdempotencyStore(redisClient, middleware.DefaultIdempotencyTTL)
	} else {
		memStore := middleware.NewInMemIdempotencyStore(middleware.DefaultIdempotencyTTL)
		idempotencyStore = memStore
		go sweepEvery(rootCtx, time.Hour, func() { memStore.Sweep() })
	}

	// Decision log (Postgres > Local File)
	var db *sqlx.DB
	var decisionRepo service.DecisionRepo
	if cfg.Database.DSN != "" {
		db, err = repository.NewDB(cfg)
		if err == nil {
			logger.Info("Connected to PostgreSQL")
			pgRepo, err := repository.NewPostgresDecisionRepo(rootCtx, db)
			if err != nil {
				logger.Error("Failed to prepare decisions table, decisions will be file-only", "error", err)
			} else {
				decisionRepo = pgRepo
				retention := time.Duration(cfg.Database.DecisionRetentionDays) * 24 * time.Hour
				interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
				go sweepEvery(rootCtx, interval, func() {
					if err := pgRepo.Cleanup(rootCtx, retention); err != nil {
						logger.Warn("decision cleanup failed", "error", err)
					}
				})
			}
		} else {
			logger.Error("Failed to connect to DB, decisions will be file-only", "error", err)
		}
	}

	decisionSvc, err := service.NewDecisionService(cfg.Log.DecisionDir, decisionRepo)
	if err != nil {
		log.Fatalf("Failed to initialize decision service: %v", err)
	}

	// 3. Payment backends
	router := exchange.NewRouter()
	env := provider.Env{
		CacheCapacity:   cfg.Engine.CacheCapacity,
		ValidateTimeout: cfg.Engine.ValidateTimeout(),
		Ledgers:         make(map[provider.Kind]provider.Ledger),
		Nodes:           make(map[provider.Kind]lightning.Node),
		NodeAddress:     cfg.Lightning.Address,
		Router:          router,
	}
	if cfg.EOS.Enabled {
		env.Ledgers[provider.KindEOS] = openFeed(string(provider.KindEOS))
		env.Ledgers[provider.KindEOSTestnet] = openFeed(string(provider.KindEOSTestnet))
		env.EOSChain = provider.Chain{ID: cfg.EOS.ChainID, RPC: cfg.EOS.RPC}
	}
	if cfg.Lightning.Enabled {
		nodeID := cfg.Lightning.NodeID
		if nodeID == "" {
			nodeID = cfg.Seller.ID
		}
		// nodes in other processes settle through the shared Redis feed
		node, err := lightning.NewNetwork().Join(nodeID, cfg.Lightning.Address, cfg.Lightning.Implementation, openFeed("lightning"))
		if err != nil {
			log.Fatalf("Failed to start lightning node: %v", err)
		}
		kind := provider.KindLnd
		if cfg.Lightning.Implementation == lightning.ImplementationCLightning {
			kind = provider.KindCLightning
		}
		env.Nodes[kind] = node
		logger.Info("Lightning node ready", "implementation", node.Implementation(), "node", nodeID)
	}

	// 4. Initialize Core Services
	guard := service.NewSpendGuard(cfg.Buy, usageRepo)
	gatewaySvc, err := service.NewGatewayService(env,
		model.Seller{ID: cfg.Seller.ID, Payments: cfg.Payments},
		decisionSvc,
		service.WithSpendGuard(guard))
	if err != nil {
		log.Fatalf("Failed to initialize gateway service: %v", err)
	}
	localKey := gatewaySvc.Self().ID

	for _, url := range cfg.Peers.Dial {
		go transport.Maintain(rootCtx, url, localKey, router)
	}

	// 5. Initialize Handlers
	entitlementHandler := handler.NewEntitlementHandler(gatewaySvc)
	decisionHandler := handler.NewDecisionHandler(decisionSvc)
	peerHandler := handler.NewPeerHandler(rootCtx, router, localKey)

	// 6. Setup Router
	r := gin.Default()

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RequestID())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "paygate", "seller": localKey, "peers": len(router.Peers())})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	r.GET("/v1/peers/ws", peerHandler.Serve)

	v1 := r.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(cfg.RateLimit)))
	{
		v1.GET("/seller", entitlementHandler.Seller)
		v1.GET("/value", entitlementHandler.Value)
		v1.GET("/buyers/:buyer/validate", entitlementHandler.Validate)
		v1.GET("/buyers/:buyer/metadata", entitlementHandler.Metadata)
	}

	admin := v1.Group("")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.POST("/buy", middleware.IdempotencyMiddleware(idempotencyStore), entitlementHandler.Buy)
		admin.POST("/quote", entitlementHandler.Quote)
		admin.GET("/decisions", decisionHandler.List)
	}

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("paygate started", "port", cfg.Server.Port, "seller", localKey)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// pending validations answer SHUTTING_DOWN before the server drains
	gatewaySvc.Close()
	cancelRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	decisionSvc.Close()
	for _, f := range feeds {
		f.Close()
	}
	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("Server exiting")
}

func sweepEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
