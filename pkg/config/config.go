// Package config loads environment-driven settings and the YAML risk file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Order dispatch
	WebhookURL     string
	WebhookTimeout time.Duration

	// Reconciliation
	OrderStatusURLTemplate string // format string with {order_id} or {idempotency_key}
	ReconcileInterval      time.Duration

	// Orchestration
	PollInterval time.Duration

	// Persistence
	DBPath string

	// Risk / schedule file
	RiskFilePath string

	// API
	JWTSecret string

	// Alerting
	AlertsEnabled    bool
	TelegramBotToken string
	TelegramChatID   string
	SlackWebhookURL  string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		WebhookURL:             os.Getenv("WEBHOOK_URL"),
		WebhookTimeout:         getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		OrderStatusURLTemplate: os.Getenv("ORDER_STATUS_URL_TEMPLATE"),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		PollInterval:           getEnvDuration("POLL_INTERVAL", 30*time.Second),
		DBPath:                 getEnv("DB_PATH", "./data/orders.db"),
		RiskFilePath:           getEnv("RISK_FILE", "./config/risk.yaml"),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		AlertsEnabled:          getEnv("ALERTS_ENABLED", "false") == "true",
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:         os.Getenv("TELEGRAM_CHAT_ID"),
		SlackWebhookURL:        os.Getenv("SLACK_WEBHOOK_URL"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are treated as seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
