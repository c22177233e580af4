/**
 * @description
 * Configuration management for the billing service and its scheduler.
 * Settings are read from environment variables through viper.
 */
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config holds all configuration for the billing HTTP service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	ClerkJWKSURL               string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	GatewayBaseURL             string `mapstructure:"GATEWAY_BASE_URL"`
	GatewaySecretKey           string `mapstructure:"GATEWAY_SECRET_KEY"`
	GatewayTimeoutSeconds      int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	SubscriptionPrice          int64  `mapstructure:"SUBSCRIPTION_PRICE"`
	SubscriptionOrderName      string `mapstructure:"SUBSCRIPTION_ORDER_NAME"`
	BatchChargeDelayMS         int    `mapstructure:"BATCH_CHARGE_DELAY_MS"`
	BatchMaxDurationMinutes    int    `mapstructure:"BATCH_MAX_DURATION_MINUTES"`
	PaymentRetryIntervalDays   int    `mapstructure:"PAYMENT_RETRY_INTERVAL_DAYS"`
	BusinessTimezone           string `mapstructure:"BUSINESS_TIMEZONE"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	SubscriptionLockTTLSeconds int    `mapstructure:"SUBSCRIPTION_LOCK_TTL_SECONDS"`
	CardRegistrationLimit      int    `mapstructure:"CARD_REGISTRATION_RATE_LIMIT_PER_HOUR"`
	RunMigrations              bool   `mapstructure:"RUN_MIGRATIONS"`
}

// SchedulerConfig holds all configuration for the scheduler binary.
type SchedulerConfig struct {
	BillingServiceURL  string `mapstructure:"BILLING_SERVICE_URL"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	BillingJobSchedule string `mapstructure:"BILLING_JOB_SCHEDULE"`
	ExpiryJobSchedule  string `mapstructure:"EXPIRY_JOB_SCHEDULE"`
	BusinessTimezone   string `mapstructure:"BUSINESS_TIMEZONE"`
}

// LoadConfig reads the billing service configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("SUBSCRIPTION_PRICE", 9900)
	viper.SetDefault("SUBSCRIPTION_ORDER_NAME", "Pro monthly subscription")
	viper.SetDefault("BATCH_CHARGE_DELAY_MS", 2000)
	viper.SetDefault("BATCH_MAX_DURATION_MINUTES", 0)
	viper.SetDefault("PAYMENT_RETRY_INTERVAL_DAYS", 1)
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Seoul")
	viper.SetDefault("REDIS_KEY_PREFIX", "reportly:billing")
	viper.SetDefault("SUBSCRIPTION_LOCK_TTL_SECONDS", 120)
	viper.SetDefault("CARD_REGISTRATION_RATE_LIMIT_PER_HOUR", 5)
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.AutomaticEnv()

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_SECRET_KEY")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SUBSCRIPTION_PRICE")
	_ = viper.BindEnv("SUBSCRIPTION_ORDER_NAME")
	_ = viper.BindEnv("BATCH_CHARGE_DELAY_MS")
	_ = viper.BindEnv("BATCH_MAX_DURATION_MINUTES")
	_ = viper.BindEnv("PAYMENT_RETRY_INTERVAL_DAYS")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("SUBSCRIPTION_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("CARD_REGISTRATION_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("RUN_MIGRATIONS")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		return nil, errors.New("INTERNAL_API_KEY is required")
	}
	if config.SubscriptionPrice <= 0 {
		return nil, fmt.Errorf("SUBSCRIPTION_PRICE must be positive, got %d", config.SubscriptionPrice)
	}
	if _, err := time.LoadLocation(config.BusinessTimezone); err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", config.BusinessTimezone, err)
	}

	return &config, nil
}

// LoadSchedulerConfig reads the scheduler configuration from environment variables.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("BILLING_JOB_SCHEDULE", "0 2 * * *") // Daily at 02:00.
	viper.SetDefault("EXPIRY_JOB_SCHEDULE", "30 0 * * *") // Daily at 00:30.
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Seoul")
	viper.AutomaticEnv()

	_ = viper.BindEnv("BILLING_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("BILLING_JOB_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_JOB_SCHEDULE")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		return nil, errors.New("INTERNAL_API_KEY is required")
	}
	if _, err := time.LoadLocation(config.BusinessTimezone); err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", config.BusinessTimezone, err)
	}

	return &config, nil
}

// Location returns the business timezone. LoadConfig has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Location returns the business timezone. LoadSchedulerConfig has already validated it.
func (c *SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
