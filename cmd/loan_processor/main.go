package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/data/mongo"
	"github.com/cropfi-loan-engine/internal/data/postgres"
	"github.com/cropfi-loan-engine/internal/lending/components"
	"github.com/cropfi-loan-engine/internal/lending/liquidation"
	"github.com/cropfi-loan-engine/internal/lending/saga_poller"
	"github.com/cropfi-loan-engine/internal/logger"
	"github.com/cropfi-loan-engine/internal/notification_processor/consumer"
	"github.com/cropfi-loan-engine/internal/notification_processor/service"
	"github.com/cropfi-loan-engine/internal/platform/messaging/consumers"
	"github.com/cropfi-loan-engine/internal/platform/messaging/producers"
	"github.com/cropfi-loan-engine/internal/platform/persistence"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

func main() {
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("loan_processor")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	log.Info("Starting Loan Processor",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

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
		mongo.NotificationCollectionName: mongo.NotificationIndexes(),
	})
	if err != nil {
		log.Error("Failed to ensure MongoDB indexes", "error", err)
		os.Exit(1)
	}

	eventProducer, err := producers.NewLoanEventProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize loan event producer", "error", err)
		os.Exit(1)
	}

	dlqProducer, err := producers.NewDLQProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}
	// A nil *DLQProducer must not end up inside a non-nil interface
	var deadLetters producers.DeadLetterPublisher
	if dlqProducer != nil {
		deadLetters = dlqProducer
	}

	pool := postgresDB.Pool()
	loanRepo := postgres.NewLoanRepository(log, pool)
	sagaRepo := postgres.NewSagaRepository(log, pool)
	notificationRepo := mongo.NewNotificationRepository(log, mongoDB.Database())

	lending := components.CreateLendingServices(
		pool,
		loanRepo,
		postgres.NewCropTokenLedger(log, pool, cfg.Loan.EscrowAccountID),
		postgres.NewCropTokenRegistry(log, pool),
		sagaRepo,
		postgres.NewCustodyService(log, pool),
		postgres.NewRepaymentLedger(log, pool),
		mongo.NewReceiptRepository(log, mongoDB.Database()),
		eventProducer,
		log,
		cfg,
	)

	// Fall back to inline delivery if the pool cannot be built
	baseDelivery := service.NewDeliveryService(notificationRepo, log.With("component", "delivery_service"))
	var deliveryService service.DeliveryService = baseDelivery
	wpDelivery, err := service.NewWorkerPoolDeliveryService(
		baseDelivery,
		service.WorkerPoolConfig{Size: cfg.WorkerPool.Size},
		log.With("component", "delivery_worker_pool"),
	)
	if err != nil {
		log.Error("Failed to create delivery worker pool, delivering inline", "error", err)
	} else {
		log.Info("Delivery worker pool ready", "capacity", wpDelivery.Capacity())
		deliveryService = wpDelivery
	}

	kafkaConsumer := consumers.NewKafkaConsumer(log, &cfg.Kafka)
	eventHandler := consumer.NewLoanEventHandler(log, deliveryService, deadLetters)

	poller := saga_poller.NewPoller(&cfg.Saga, sagaRepo, lending.Coordinator, log.With("component", "saga_poller"))

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

	errChan := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting Kafka consumer",
			"topic", cfg.Kafka.LoanEventTopic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		if err := kafkaConsumer.Subscribe(appCtx, eventHandler.HandleMessage); err != nil {
			errChan <- fmt.Errorf("kafka consumer error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Start(appCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Start(appCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serviceErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Service error occurred", "error", err)
		serviceErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	log.Info("Waiting for services to stop...")
	wgChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(wgChan)
	}()

	select {
	case <-wgChan:
		log.Info("All services stopped successfully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	if wpDelivery != nil {
		log.Info("Shutting down delivery worker pool", "running_workers", wpDelivery.Running())
		wpDelivery.Shutdown()
	}
	monitor.Shutdown()

	if dlqProducer != nil {
		if err = dlqProducer.Close(); err != nil {
			log.Error("Error closing DLQ Kafka producer", "error", err)
		}
	}

	if err = eventProducer.Close(); err != nil {
		log.Error("Error closing loan event producer", "error", err)
	}

	if err = kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
	}

	postgresDB.Close()

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	if serviceErr != nil {
		log.Error("Loan Processor shutdown with errors", "error", serviceErr)
	}
	if err != nil {
		log.Error("Loan Processor shutdown completed with errors")
	} else {
		log.Info("Loan Processor shutdown completed successfully")
	}
}
