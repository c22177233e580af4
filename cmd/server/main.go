/**
 * @description
 * Entry point for the billing service.
 * It wires Postgres, Redis, RabbitMQ and the billing gateway into the billing
 * service and serves the user and internal HTTP routes.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/reportly/billing-service/internal/api"
	"github.com/reportly/billing-service/internal/app"
	"github.com/reportly/billing-service/internal/config"
	"github.com/reportly/billing-service/internal/store"
	"github.com/reportly/billing-service/pkg/gateway"
	"github.com/reportly/billing-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
			logger.Info("rabbitmq producer connected")
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	repository := store.NewRepository(dbpool)
	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, time.Duration(cfg.GatewayTimeoutSeconds)*time.Second)

	service := app.NewService(repository, gatewayClient, publisher, logger, app.Config{
		Price:                        cfg.SubscriptionPrice,
		OrderName:                    cfg.SubscriptionOrderName,
		ChargeDelay:                  time.Duration(cfg.BatchChargeDelayMS) * time.Millisecond,
		RetryIntervalDays:            cfg.PaymentRetryIntervalDays,
		MaxRunDuration:               time.Duration(cfg.BatchMaxDurationMinutes) * time.Minute,
		CardRegistrationLimitPerHour: cfg.CardRegistrationLimit,
		CleanupRetries:               3,
		CleanupBackoff:               200 * time.Millisecond,
		Location:                     cfg.Location(),
	})

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
		service.SetLocker(app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.SubscriptionLockTTLSeconds)*time.Second, logger))
		service.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix))
	} else {
		service.SetRateLimiter(app.NewMemoryRateLimiter())
	}

	handler := api.NewHandler(service, cfg.Location())
	router := api.NewRouter(handler, api.NewJWKSKeySource(cfg.ClerkJWKSURL), cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}

// connectRedis returns nil when Redis is not configured or not reachable.
// Without Redis the service runs with process-local leases and rate limits.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process locks and rate limits\" env=REDIS_URL")
		return nil
	}

	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process locks and rate limits\" err=%v", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process locks and rate limits\" err=%v", err)
		client.Close()
		return nil
	}

	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
