/**
 * @description
 * Entry point for the billing scheduler.
 * This is a non-HTTP, long-running process that triggers the recurring billing
 * run and the cancellation expiry job on the billing service's internal routes.
 */
package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/reportly/billing-service/internal/config"
	"github.com/reportly/billing-service/internal/scheduler"
	"github.com/reportly/billing-service/pkg/billingclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client := billingclient.NewClient(cfg.BillingServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(client, logger, *cfg)
	cronScheduler := scheduler.NewScheduler(jobs, logger, *cfg)

	if registered := cronScheduler.Start(); registered == 0 {
		logger.Error("no jobs were scheduled")
		os.Exit(1)
	}
	logger.Info("scheduler started", "timezone", cfg.BusinessTimezone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
