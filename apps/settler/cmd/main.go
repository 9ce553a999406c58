package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"settler/apps/settler/internal/api"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/config"
	"settler/apps/settler/internal/event_publisher"
	"settler/apps/settler/internal/orchestrator"
	"settler/apps/settler/internal/pricing"
	"settler/apps/settler/internal/processor"
	"settler/apps/settler/internal/repository"
	"settler/apps/settler/internal/transfer"
	"settler/apps/settler/internal/venue"
	"settler/apps/settler/internal/watcher"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("db_url", cfg.DbURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Int("api_port", cfg.APIPort),
		zap.String("refund_mode", cfg.RefundMode),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	settlementRepository := repository.NewSettlementRepository(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)

	registry := assets.NewRegistry()

	// Chain clients. The hot wallet client signs deliveries and watches
	// native ETH deposits; a second read-only client watches USDT transfers.
	evmClient, err := chain.NewEVMClient(cfg.RpcURL, cfg.ChainID, cfg.DepositLookbackBlocks,
		cfg.HotWalletKey, cfg.HotWalletAddress, "", registry, logger)
	if err != nil {
		logger.Fatal("Failed to create Ethereum client", zap.Error(err))
	}
	defer evmClient.Close()

	usdtClient, err := chain.NewEVMClient(cfg.RpcURL, cfg.ChainID, cfg.DepositLookbackBlocks,
		"", "", "USDT", registry, logger)
	if err != nil {
		logger.Fatal("Failed to create USDT deposit client", zap.Error(err))
	}
	defer usdtClient.Close()

	btcClient := chain.NewBitcoinClient(cfg.BtcAPIURL, logger)

	// Payment processor client for fiat rails
	processorClient := processor.NewHTTPClient(cfg.ProcessorURL, cfg.ProcessorKey, logger)

	// Payment watcher
	paymentWatcher := watcher.NewWatcher(
		processorClient,
		map[string]chain.Reader{
			"BITCOIN":  btcClient,
			"ETHEREUM": evmClient,
			"USDT":     usdtClient,
		},
		registry,
		watcher.Config{
			AmountToleranceBps: cfg.AmountToleranceBps,
			MinConfirmations:   cfg.MinConfirmations,
			DepositAddresses:   cfg.DepositAddresses,
			PollInterval:       cfg.PollInterval,
			MaxPollInterval:    cfg.MaxPollInterval,
			ConfirmTimeout:     cfg.ConfirmTimeout,
		},
		logger)

	// Venues share one rate limiter so combined traffic stays under the cap
	venueLimiter := rate.NewLimiter(rate.Limit(cfg.VenueRatePerSec), cfg.VenueBurst)
	cexClient := venue.NewCEXClient("cex", cfg.CexURL, cfg.CexKey, venueLimiter, logger)
	dexClient := venue.NewDEXClient("dex", cfg.DexURL, venueLimiter, evmClient, cfg.TransferFinalityDepth, logger)

	venueRouter := venue.NewRouter("cex")
	venueRouter.Register(cexClient, "ACME", "USDT")
	venueRouter.Register(dexClient, "WETH")

	// Pricing engine
	pricingEngine := pricing.NewEngine(venueRouter.All(), pricing.Config{
		PlatformFeeBps: cfg.PlatformFeeBps,
		MaxSlippageBps: cfg.MaxSlippageBps,
		QuoteTTL:       cfg.QuoteTTL,
	}, logger)

	// Token acquirer
	acquirer := venue.NewAcquirer(venueRouter, settlementRepository, cfg.PollInterval, cfg.ConfirmTimeout, logger)

	// Transfer executor
	executor := transfer.NewExecutor(evmClient, evmClient, registry, settlementRepository,
		cfg.TransferFinalityDepth, cfg.PollInterval, cfg.ConfirmTimeout, logger)

	// Orchestrator
	orch := orchestrator.NewOrchestrator(
		settlementRepository,
		outboxRepository,
		paymentWatcher,
		pricingEngine,
		acquirer,
		executor,
		processorClient,
		registry,
		orchestrator.Config{
			QuoteRetryLimit:    cfg.QuoteRetryLimit,
			RetryLimit:         cfg.RetryLimit,
			RetryBackoff:       cfg.RetryBackoff,
			RefundMode:         cfg.RefundMode,
			CompensationPolicy: cfg.CompensationPolicy,
		},
		logger)
	defer orch.Close()

	// Re-drive settlements that were in flight when the process last stopped
	if err := orch.Resume(); err != nil {
		logger.Fatal("Failed to resume in-flight settlements", zap.Error(err))
	}

	// Create event publisher
	eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()

	// Start event publisher in background
	go eventPublisher.StartPublishing()

	// Create and start API server
	apiServer := api.NewServer(cfg.APIPort, orch, settlementRepository, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	// Create a context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
