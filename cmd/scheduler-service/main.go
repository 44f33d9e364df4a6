/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a non-HTTP, long-running process that runs the recovery sweeps of the
 * fulfillment workflows (cron jobs). It shares the fulfillment database and job queue.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/esimly/fulfillment-service/internal/config"
	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/scheduler"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/internal/workflow"
	"github.com/esimly/fulfillment-service/pkg/providerclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	bootLog := log.WithField("component", "bootstrap")

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLog.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		bootLog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.WithError(err).Fatal("Unable to parse database URL")
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		bootLog.WithError(err).Fatal("Unable to connect to database")
	}
	defer dbpool.Close()
	bootLog.Info("Database connection established")

	// Initialize dependencies
	repository := store.NewPostgresRepository(dbpool)
	queue := jobs.NewQueue(repository, cfg.JobMaxAttempts)

	timeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second
	providers := workflow.NewProviderRegistry()
	if cfg.AiraloAPIBaseURL != "" {
		providers.Register(domain.ProviderAiralo, providerclient.NewClient(string(domain.ProviderAiralo), cfg.AiraloAPIBaseURL, cfg.AiraloAPIKey, timeout))
	}
	if cfg.EsimAccessAPIBaseURL != "" {
		providers.Register(domain.ProviderEsimAccess, providerclient.NewClient(string(domain.ProviderEsimAccess), cfg.EsimAccessAPIBaseURL, cfg.EsimAccessAPIKey, timeout))
	}

	sweeps := scheduler.NewJobs(repository, queue, providers, cfg.SweepBatchSize)
	cronScheduler := scheduler.NewScheduler(sweeps, scheduler.Schedules{
		ExpiredCheckouts: cfg.ExpiredCheckoutSweepSchedule,
		OverdueRetries:   cfg.OverdueRetrySweepSchedule,
		StalledOrders:    cfg.StalledOrderSweepSchedule,
		ProviderHealth:   cfg.ProviderHealthSchedule,
	})

	// Start the cron scheduler in the background
	registered := cronScheduler.Start()
	bootLog.WithField("jobs", registered).Info("Scheduler started")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	bootLog.Info("Shutdown signal received, stopping scheduler")
	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()
	bootLog.Info("Scheduler stopped gracefully")
}
