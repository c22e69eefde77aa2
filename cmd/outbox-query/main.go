package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"orderbus/internal/app/inspect"
	"orderbus/internal/config"
	"orderbus/internal/infrastructure/database"
	"orderbus/internal/logger"
	outbox_postgres "orderbus/internal/repository/outbox_repo/postgres"
)

// Usage: outbox-query [postgres-connection-url]
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.LogLevel, "outbox-query")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	dsn := cfg.GetDBMigrationConnectionString()
	if len(os.Args) > 1 {
		dsn = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, dsn, 1, time.Second, appLogger)
	if err != nil {
		appLogger.Fatal("Could not connect to database", zap.Error(err))
	}
	defer db.Close()

	reporter := inspect.NewReporter(
		inspect.NewSQLStore(db, outbox_postgres.NewOutboxRepository()),
		func() (uint, bool, error) {
			return database.MigrationVersion(cfg.DBConfig.MigrationsPath, dsn)
		},
		appLogger,
	)

	report, err := reporter.Report(ctx)
	if err != nil {
		appLogger.Fatal("Failed to collect outbox report", zap.Error(err))
	}
	if err := report.Print(os.Stdout); err != nil {
		appLogger.Fatal("Failed to print outbox report", zap.Error(err))
	}
}
