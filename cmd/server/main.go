package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalhook/tradegate/internal/config"
	"github.com/signalhook/tradegate/internal/dispatcher"
	"github.com/signalhook/tradegate/internal/exchange"
	"github.com/signalhook/tradegate/internal/handler"
	"github.com/signalhook/tradegate/internal/middleware"
	"github.com/signalhook/tradegate/internal/pkg/logger"
	"github.com/signalhook/tradegate/internal/registry"
	"github.com/signalhook/tradegate/internal/repository"
	sigvalidate "github.com/signalhook/tradegate/internal/signal"
	"github.com/signalhook/tradegate/internal/vault"
)

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Webhook.Secret == "" {
		log.Fatal("webhook.secret must be configured")
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Initialize Persistence
	// Idempotency (Redis > Postgres > Memory)
	var reg registry.Registry
	if redisClient, err := repository.NewRedis(cfg); err == nil {
		logger.Info("✅ Connected to Redis")
		reg = registry.NewRedisRegistry(redisClient, cfg.Idempotency.Retention())
	} else if cfg.Redis.Addr != "" {
		logger.Error("⚠️ Failed to connect to Redis", "error", err)
	}

	// Credential store (Postgres > Memory)
	var vaultStore vault.Store
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Info("✅ Connected to PostgreSQL")

		if store, err := vault.NewPostgresStore(db); err == nil {
			vaultStore = store
		} else {
			log.Fatalf("Failed to init credential store: %v", err)
		}

		if reg == nil {
			pgReg, err := registry.NewPostgresRegistry(db)
			if err != nil {
				log.Fatalf("Failed to init idempotency registry: %v", err)
			}
			reg = pgReg
			go runCleanup(rootCtx, pgReg, cfg)
		}
	}
	if vaultStore == nil {
		logger.Warn("No database configured, credentials will not survive restart")
		vaultStore = vault.NewMemoryStore()
	}
	if reg == nil {
		logger.Warn("No redis or database configured, dedup window will not survive restart")
		memReg := registry.NewMemoryRegistry(cfg.Idempotency.Retention())
		memReg.StartSweeper(rootCtx, time.Duration(cfg.Database.CleanupIntervalMinutes)*time.Minute)
		reg = memReg
	}

	// 3. Initialize Core Services
	credVault, err := vault.New(cfg.Vault.MasterKey, vaultStore)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	gateway := exchange.NewBinanceGateway(cfg.Exchange)
	validator := sigvalidate.NewValidator(cfg.Webhook.Secret)
	credSource := credentialSource(credVault, cfg)
	disp := dispatcher.New(validator, reg, gateway, credSource)

	// 4. Initialize Handlers
	webhookHandler := handler.NewWebhookHandler(disp)
	accountHandler := handler.NewAccountHandler(credVault, gateway, credSource)

	// 5. Setup Router
	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	// Liveness only, no dependency checks.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	r.POST("/webhook", webhookHandler.Handle)

	api := r.Group("/api")
	{
		api.POST("/exchange/connect", accountHandler.Connect)
		api.GET("/exchange/list", accountHandler.List)
		api.DELETE("/exchange/:id", accountHandler.Revoke)
		api.GET("/account/balance", accountHandler.GetBalance)
		api.GET("/trading/active-orders", accountHandler.GetActiveOrders)
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 TradeGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}

// credentialSource prefers the newest active vault credential and falls
// back to the statically configured exchange keys.
func credentialSource(v *vault.Vault, cfg *config.Config) dispatcher.CredentialSource {
	return func(ctx context.Context, fn func(creds exchange.Credentials) error) error {
		err := v.WithActive(ctx, "binance", func(apiKey, apiSecret string) error {
			return fn(exchange.Credentials{ApiKey: apiKey, ApiSecret: apiSecret})
		})
		if errors.Is(err, vault.ErrNotFound) && cfg.Exchange.ApiKey != "" {
			return fn(exchange.Credentials{
				ApiKey:    cfg.Exchange.ApiKey,
				ApiSecret: cfg.Exchange.ApiSecret,
			})
		}
		return err
	}
}

func runCleanup(ctx context.Context, reg *registry.PostgresRegistry, cfg *config.Config) {
	interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.Cleanup(ctx, cfg.Idempotency.Retention()); err != nil {
				logger.Error("idempotency cleanup failed", "error", err)
			}
		}
	}
}
