/**
 * @description
 * This is the main entry point for the fulfillment-service. It loads configuration, opens
 * the event store (PostgreSQL, or memory for local runs), wires the order, payment and ledger
 * aggregates, and starts the job workers, the outbox dispatcher, the payment signal consumer
 * and the HTTP server.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: purchase locks and rate limiting.
 * - github.com/bwmarrin/snowflake (through domain.SnowflakeIDGenerator): order ids.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/esimly/fulfillment-service/internal/api"
	"github.com/esimly/fulfillment-service/internal/config"
	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/ledger"
	"github.com/esimly/fulfillment-service/internal/notify"
	"github.com/esimly/fulfillment-service/internal/orders"
	"github.com/esimly/fulfillment-service/internal/payments"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/internal/workflow"
	"github.com/esimly/fulfillment-service/pkg/gateway"
	"github.com/esimly/fulfillment-service/pkg/providerclient"
	"github.com/esimly/fulfillment-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var hostedGateways = []domain.GatewayKind{
	domain.GatewayStripe,
	domain.GatewayPayrexx,
	domain.GatewayPaysera,
	domain.GatewayProcard,
	domain.GatewayCryptomus,
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found; using process environment")
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.WithError(err).Fatal("Config load failed")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	bootLog := log.WithField("component", "bootstrap")
	bootLog.WithFields(log.Fields{"port": cfg.ServerPort, "store": cfg.StoreDriver}).Info("Starting fulfillment-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore := openStore(ctx, cfg)
	defer closeStore()

	ids, err := domain.NewSnowflakeIDGenerator(cfg.SnowflakeNode)
	if err != nil {
		bootLog.WithError(err).Fatal("Snowflake node init failed")
	}

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var mailer notify.Mailer
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		mailer = notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	} else {
		bootLog.Warn("SMTP not configured; operator e-mail alerts disabled")
	}
	notifier := notify.NewNotifier(repo, cfg.EventsExchange, mailer, cfg.OperatorEmail)

	checkoutExpiry := time.Duration(cfg.CheckoutExpiryMinutes) * time.Minute
	queue := jobs.NewQueue(repo, cfg.JobMaxAttempts)

	balanceLedger := ledger.New(ledger.Config{Store: repo, IDs: ids, Notifier: notifier})
	orderService := orders.NewService(orders.Config{
		Store:          repo,
		Transactions:   repo,
		Ledger:         balanceLedger,
		Jobs:           queue,
		Notifier:       notifier,
		IDs:            ids,
		CheckoutExpiry: checkoutExpiry,
	})

	gateways := payments.NewRegistry()
	for _, kind := range hostedGateways {
		gw := cfg.Gateway(kind)
		if strings.TrimSpace(gw.BaseURL) == "" {
			continue
		}
		gateways.Register(kind, payments.NewHostedGateway(kind, gateway.NewClient(string(kind), gw.BaseURL, gw.APIKey, gw.WebhookSecret)))
		bootLog.WithField("gateway", kind).Info("Payment gateway registered")
	}
	paymentService := payments.NewService(payments.Config{
		Store:          repo,
		Transactions:   repo,
		Payments:       repo,
		Orders:         orderService,
		Ledger:         balanceLedger,
		Gateways:       gateways,
		IDs:            ids,
		CheckoutExpiry: checkoutExpiry,
	})
	webhooks := payments.NewWebhookProcessor(paymentService, repo, repo)

	runnerCfg := workflow.Config{
		Orders:       orderService,
		Payments:     paymentService,
		PaymentReads: repo,
		Profiles:     repo,
		Providers:    newProviderRegistry(cfg),
		Jobs:         queue,
		IDs:          ids,
		Classify:     workflow.ClassifyProviderError,
		Retry: workflow.RetryPolicy{
			MaxAttempts: cfg.PurchaseMaxRetries,
			Delay:       time.Duration(cfg.PurchaseRetryDelaySeconds) * time.Second,
			Multiplier:  cfg.PurchaseRetryMultiplier,
		},
		ProfileBackoff: cfg.ProfileFetchBackoff,
	}
	if redisClient != nil {
		runnerCfg.Locker = workflow.NewRedsyncLocker(redisClient, time.Duration(cfg.PurchaseLockSeconds)*time.Second)
		runnerCfg.Throttle = workflow.NewRedisProviderThrottle(redisClient, cfg.RedisKeyPrefix+":provider_pace", cfg.ProviderRateLimitPerMinute)
	} else {
		bootLog.Warn("Redis unavailable; purchase locks and provider throttling disabled")
	}
	runner := workflow.NewRunner(runnerCfg)

	pool := jobs.NewWorkerPool(repo, jobs.WorkerOptions{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: time.Duration(cfg.WorkerPollIntervalMS) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.ProviderTimeoutSeconds)*time.Second*2 + 30*time.Second,
	})
	runner.Register(pool)
	go pool.Run(ctx)

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		go notify.NewOutboxDispatcher(repo, cfg.RabbitMQURL).Run(ctx)

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			bootLog.WithError(err).Warn("RabbitMQ consumer unavailable; payment signals only arrive over HTTP")
		} else {
			defer consumer.Close()
			signals := payments.NewSignalConsumer(webhooks)
			bindings := map[string]func([]byte) bool{"payment.signal.#": signals.HandleMessage}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentSignalQueue, bindings); err != nil {
				bootLog.WithError(err).Fatal("Payment signal consumer start failed")
			}
		}
	} else {
		bootLog.Warn("RABBITMQ_URL not set; notifications stay in the outbox")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Orders:       orderService,
		Payments:     paymentService,
		Ledger:       balanceLedger,
		Transactions: repo,
		Profiles:     repo,
		Gateways:     gateways,
		Signals:      webhooks,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(log.Fields{"component": "http", "addr": server.Addr}).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithField("component", "http").Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	bootLog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).WithField("component", "http").Error("Graceful shutdown failed")
	}
	bootLog.Info("Fulfillment-service stopped")
}

// openStore returns the configured repository and its cleanup.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	bootLog := log.WithField("component", "bootstrap")
	if cfg.StoreDriver == "memory" {
		bootLog.Warn("Using the in-memory store; state is lost on restart")
		return store.NewMemoryStore(time.Now), func() {}
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		bootLog.Fatal("DATABASE_URL is required for the postgres store")
	}
	if err := store.RunMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
		bootLog.WithError(err).Fatal("Database migration failed")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.WithError(err).Fatal("Database URL parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		bootLog.WithError(err).Fatal("Database connection failed")
	}
	bootLog.Info("Database connected")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(redisURL string) *redis.Client {
	bootLog := log.WithField("component", "bootstrap")
	if strings.TrimSpace(redisURL) == "" {
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		bootLog.WithError(err).Warn("Redis URL parse failed")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		bootLog.WithError(err).Warn("Redis ping failed")
		client.Close()
		return nil
	}
	bootLog.Info("Redis connected")
	return client
}

func newProviderRegistry(cfg config.Config) *workflow.ProviderRegistry {
	timeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second
	registry := workflow.NewProviderRegistry()
	if strings.TrimSpace(cfg.AiraloAPIBaseURL) != "" {
		registry.Register(domain.ProviderAiralo, providerclient.NewClient(string(domain.ProviderAiralo), cfg.AiraloAPIBaseURL, cfg.AiraloAPIKey, timeout))
	}
	if strings.TrimSpace(cfg.EsimAccessAPIBaseURL) != "" {
		registry.Register(domain.ProviderEsimAccess, providerclient.NewClient(string(domain.ProviderEsimAccess), cfg.EsimAccessAPIBaseURL, cfg.EsimAccessAPIKey, timeout))
	}
	return registry
}
