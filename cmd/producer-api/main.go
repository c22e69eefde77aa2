package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderbus/internal/app/orders"
	"orderbus/internal/config"
	orders_http "orderbus/internal/handler/http/orders"
	"orderbus/internal/infrastructure/broker"
	"orderbus/internal/infrastructure/database"
	"orderbus/internal/logger"
	"orderbus/internal/outbox"
	"orderbus/internal/repository/lease_repo"
	lease_postgres "orderbus/internal/repository/lease_repo/postgres"
	order_postgres "orderbus/internal/repository/order_repo/postgres"
	outbox_postgres "orderbus/internal/repository/outbox_repo/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.LogLevel, "producer-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Producer API starting...", zap.Bool("use_outbox", cfg.Outbox.Enabled), zap.String("transport", cfg.BrokerTransport))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()

	db, err := database.Connect(startCtx, cfg.GetDBConnectionString(), 10, 5*time.Second, appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to database. Exiting.", zap.Error(err))
	}

	appLogger.Info("Running database migrations...")
	if err := database.RunMigrations(cfg.DBConfig.MigrationsPath, cfg.GetDBMigrationConnectionString(), appLogger); err != nil {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	publisher, err := broker.OpenPublisher(startCtx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to message broker", zap.Error(err))
	}

	outboxRepository := outbox_postgres.NewOutboxRepository()
	leaseRepository, err := lease_postgres.NewLeaseRepository(lease_repo.TableOutboxState)
	if err != nil {
		appLogger.Fatal("Failed to create lease repository", zap.Error(err))
	}

	orderService := orders.NewOrderService(
		database.NewTxManager(db, database.DefaultConflictPolicy(), appLogger),
		order_postgres.NewOrderRepository(),
		outbox.NewWriter(outboxRepository, cfg.Outbox.Partitions, appLogger.With(zap.String("component", "OutboxWriter"))),
		publisher,
		orders.Config{UseOutbox: cfg.Outbox.Enabled, Exchange: broker.Destination(cfg)},
		rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		appLogger.With(zap.String("component", "OrderService")),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           orders_http.NewRouter(orderService, cfg.CORSOrigins, appLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	var dispatcher *outbox.Dispatcher
	if cfg.Outbox.Enabled {
		dispatcher = outbox.NewDispatcher(db, outboxRepository, leaseRepository, publisher, outboxOptions(cfg),
			appLogger.With(zap.String("component", "OutboxDispatcher")))
		reaper := outbox.NewReaper(db, outboxRepository, cfg.Outbox.DuplicateWindow,
			appLogger.With(zap.String("component", "OutboxReaper")))

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := dispatcher.Run(ctxMain); err != nil {
				appLogger.Error("Outbox dispatcher failed", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			reaper.Run(ctxMain)
		}()
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, httpServer.Shutdown(shutdownCtx))
	if dispatcher != nil {
		shutdownErr = multierr.Append(shutdownErr, dispatcher.Shutdown(shutdownCtx))
	}
	cancelMain()
	wg.Wait()

	shutdownErr = multierr.Append(shutdownErr, publisher.Close())
	shutdownErr = multierr.Append(shutdownErr, db.Close())
	if shutdownErr != nil {
		appLogger.Error("Application shut down with errors", zap.Error(shutdownErr))
		return
	}
	appLogger.Info("Application gracefully shut down.")
}

func outboxOptions(cfg *config.Config) outbox.Options {
	return outbox.Options{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		Partitions:     cfg.Outbox.Partitions,
		LeaseTTL:       cfg.Outbox.LeaseTTL,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		RetryBase:      cfg.Outbox.RetryBase,
		RetryMax:       cfg.Outbox.RetryMax,
	}
}
