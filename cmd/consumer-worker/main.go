package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderbus/internal/config"
	"orderbus/internal/handler/consumer"
	"orderbus/internal/inbox"
	"orderbus/internal/infrastructure/broker"
	"orderbus/internal/infrastructure/database"
	"orderbus/internal/logger"
	"orderbus/internal/repository/lease_repo"
	inbox_postgres "orderbus/internal/repository/inbox_repo/postgres"
	lease_postgres "orderbus/internal/repository/lease_repo/postgres"
	order_postgres "orderbus/internal/repository/order_repo/postgres"
	"orderbus/internal/retry"
)

const purgeInterval = time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.LogLevel, "consumer-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Consumer worker starting...",
		zap.String("transport", cfg.BrokerTransport),
		zap.Int("retry_limit", cfg.Consumer.RetryLimit),
		zap.Duration("retry_interval", cfg.Consumer.RetryInterval))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()

	db, err := database.Connect(startCtx, cfg.GetDBConnectionString(), 10, 5*time.Second, appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to database. Exiting.", zap.Error(err))
	}
	if err := database.RunMigrations(cfg.DBConfig.MigrationsPath, cfg.GetDBMigrationConnectionString(), appLogger); err != nil {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	orderConsumer, err := broker.OpenConsumer(startCtx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to message broker", zap.Error(err))
	}

	inboxRepository := inbox_postgres.NewInboxRepository()
	leaseRepository, err := lease_postgres.NewLeaseRepository(lease_repo.TableInboxState)
	if err != nil {
		appLogger.Fatal("Failed to create lease repository", zap.Error(err))
	}

	deduplicator := inbox.NewDeduplicator(
		database.NewTxManager(db, database.DefaultConflictPolicy(), appLogger),
		db,
		inboxRepository,
		orderConsumer.Name,
		appLogger.With(zap.String("component", "InboxDeduplicator")),
	)
	purger := inbox.NewPurger(db, inboxRepository, leaseRepository, cfg.InboxRetention, purgeInterval,
		appLogger.With(zap.String("component", "InboxPurger")))

	handler := retry.Wrap(
		retry.Interval(cfg.Consumer.RetryLimit, cfg.Consumer.RetryInterval),
		consumer.OrderSubmittedHandler(deduplicator, order_postgres.NewOrderRepository(), cfg.Consumer.ProcessingDelay,
			appLogger.With(zap.String("component", "OrderSubmittedConsumer"))),
		orderConsumer.DeadLetter,
		appLogger.With(zap.String("component", "RetryPolicy")),
	)

	ctxMain, cancelMain := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	consumerDone := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		purger.Run(ctxMain)
	}()
	go func() {
		appLogger.Info("Starting OrderSubmitted consumer", zap.String("consumer", orderConsumer.Name))
		consumerDone <- orderConsumer.Run(ctxMain, handler)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownErr error
	select {
	case <-sigChan:
		appLogger.Info("Shutting down application...")
		cancelMain()
		select {
		case err := <-consumerDone:
			shutdownErr = multierr.Append(shutdownErr, ignoreCanceled(err))
		case <-time.After(15 * time.Second):
			appLogger.Warn("Consumer did not stop within 15 seconds")
		}
	case err := <-consumerDone:
		appLogger.Error("OrderSubmitted consumer stopped unexpectedly", zap.Error(err))
		shutdownErr = multierr.Append(shutdownErr, err)
		cancelMain()
	}
	wg.Wait()

	shutdownErr = multierr.Append(shutdownErr, orderConsumer.Close())
	shutdownErr = multierr.Append(shutdownErr, db.Close())
	if shutdownErr != nil {
		appLogger.Error("Application shut down with errors", zap.Error(shutdownErr))
		os.Exit(1)
	}
	appLogger.Info("Application gracefully shut down.")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
