package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource    string
	StoreDriver string // postgres | memory
	Port        string
	Env         string
	LogLevel    string

	// PlatformAccountID receives the fee leg of charges when non-zero.
	PlatformAccountID int64

	WebhookQueueSize int
	WebhookWorkers   int
	WebhookTimeout   time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:         os.Getenv("DB_SOURCE"),
		StoreDriver:      getenv("STORE_DRIVER", "postgres"),
		Port:             getenv("SERVER_PORT", "8080"),
		Env:              getenv("ENVIRONMENT", "development"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		WebhookQueueSize: getenvInt("WEBHOOK_QUEUE_SIZE", 256),
		WebhookWorkers:   getenvInt("WEBHOOK_WORKERS", 4),
		WebhookTimeout:   getenvDuration("WEBHOOK_TIMEOUT", 5*time.Second),
	}

	cfg.PlatformAccountID = int64(getenvInt("PLATFORM_ACCOUNT_ID", 0))

	if cfg.StoreDriver == "postgres" && cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
