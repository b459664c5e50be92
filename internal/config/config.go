package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile          string
	APIAddr         string
	BaseURL         string
	UploadsPath     string
	AuthSecret      string
	TokenExpiry     time.Duration
	RefreshInterval time.Duration
	MaxUploadBytes  int64

	// Web push is optional; notifications are disabled when the
	// VAPID keys are empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDContact    string
}

func Load(cliMode bool) (*Config, error) {
	// Missing .env is fine, env vars may be set directly.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	refreshInterval, err := time.ParseDuration(getEnv("REFRESH_INTERVAL", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REFRESH_INTERVAL: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PALAVER_DB", "palaver.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry:     tokenExpiry,
		RefreshInterval: refreshInterval,
		MaxUploadBytes:  10 << 20,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDContact:    getEnv("VAPID_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
