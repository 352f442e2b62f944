package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/data/mongo"
	"github.com/cropfi-loan-engine/internal/data/postgres"
	"github.com/cropfi-loan-engine/internal/lending/components"
	"github.com/cropfi-loan-engine/internal/lending/liquidation"
	"github.com/cropfi-loan-engine/internal/loan_gateway"
	"github.com/cropfi-loan-engine/internal/logger"
	"github.com/cropfi-loan-engine/internal/notification_processor/service"
	"github.com/cropfi-loan-engine/internal/platform/messaging/producers"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

func main() {
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("loan_gateway")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	// Migrations run as part of pool creation
	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	err = mongoDB.EnsureIndexes(appCtx, map[string][]mongodriver.IndexModel{
		mongo.ReceiptCollectionName:      mongo.ReceiptIndexes(),
		mongo.NotificationCollectionName: mongo.NotificationIndexes(),
	})
	if err != nil {
		log.Error("Failed to ensure MongoDB indexes", "error", err)
		os.Exit(1)
	}

	redisDB, err := persistence.NewRedisDB(appCtx, log, &cfg.Redis)
	if err != nil {
		log.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}

	eventProducer, err := producers.NewLoanEventProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize loan event producer", "error", err)
		os.Exit(1)
	}

	pool := postgresDB.Pool()
	loanRepo := postgres.NewLoanRepository(log, pool)
	tokenLedger := postgres.NewCropTokenLedger(log, pool, cfg.Loan.EscrowAccountID)
	tokenRegistry := postgres.NewCropTokenRegistry(log, pool)
	custodySvc := postgres.NewCustodyService(log, pool)
	repayments := postgres.NewRepaymentLedger(log, pool)
	sagaRepo := postgres.NewSagaRepository(log, pool)
	receiptRepo := mongo.NewReceiptRepository(log, mongoDB.Database())
	notificationRepo := mongo.NewNotificationRepository(log, mongoDB.Database())

	// The engine burns collateral on liquidation, so it has to be a registered burner
	if err := tokenRegistry.AuthorizeBurner(appCtx, cfg.Loan.BurnerID); err != nil {
		log.Error("Failed to authorize loan engine as burner", "burner_id", cfg.Loan.BurnerID, "error", err)
		os.Exit(1)
	}

	lending := components.CreateLendingServices(
		pool,
		loanRepo,
		tokenLedger,
		tokenRegistry,
		sagaRepo,
		custodySvc,
		repayments,
		receiptRepo,
		eventProducer,
		log,
		cfg,
	)

	inbox := service.NewDeliveryService(notificationRepo, log.With("component", "inbox"))

	monitor, err := liquidation.NewMonitor(
		&cfg.Liquidation,
		cfg.WorkerPool.Size,
		cfg.Loan.OwnerID,
		loanRepo,
		lending.Loans,
		components.NewEventNotifier(eventProducer, log.With("component", "notifier")),
		log.With("component", "liquidation_monitor"),
	)
	if err != nil {
		log.Error("Failed to initialize liquidation monitor", "error", err)
		os.Exit(1)
	}

	server := loan_gateway.NewServer(log, cfg, loan_gateway.Dependencies{
		Lending: lending,
		Inbox:   inbox,
		Sweeper: monitor,
		Redis:   redisDB.Client(),
	})
	log.Info("REST server initialized")

	errChan := make(chan error, 1)

	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// Stop accepting requests before closing the stores behind them
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	monitor.Shutdown()

	if err = eventProducer.Close(); err != nil {
		log.Error("Error closing loan event producer", "error", err)
	}

	if err = redisDB.Close(); err != nil {
		log.Error("Error closing Redis connection", "error", err)
	}

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	postgresDB.Close()

	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	}
	if err != nil {
		log.Error("Server shutdown completed with errors")
	} else {
		log.Info("Server shutdown completed successfully")
	}
}
