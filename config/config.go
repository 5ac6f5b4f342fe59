package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config carries every knob the process needs. It is loaded once in main and
// handed to the components that need individual fields; nothing reads the
// environment after startup.
type Config struct {
	DatabaseURL string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	JWTSecret   string `validate:"required"`

	// Payment gateway settings. WebhookSecret may be empty, which enables an
	// insecure development fallback that skips signature verification.
	GatewayBaseURL string `validate:"required,url"`
	GatewayAPIKey  string `validate:"required"`
	WebhookSecret  string

	// FXRate converts the domestic display currency into the gateway
	// currency. It is the single source of that rate for the whole process.
	FXRate           float64 `validate:"gt=0"`
	DomesticCurrency string  `validate:"required,len=3"`
	GatewayCurrency  string  `validate:"required,len=3"`
}

const defaultFXRate = 110

// Load reads configuration from the environment, with an optional .env file
// for local development. Validation failures abort startup.
func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		GatewayBaseURL:   getenvDefault("PAYMENT_API_URL", "https://api.stripe.com"),
		GatewayAPIKey:    os.Getenv("PAYMENT_API_KEY"),
		WebhookSecret:    os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		FXRate:           defaultFXRate,
		DomesticCurrency: getenvDefault("DOMESTIC_CURRENCY", "BDT"),
		GatewayCurrency:  getenvDefault("GATEWAY_CURRENCY", "USD"),
	}

	if raw := os.Getenv("FX_RATE"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse FX_RATE: %w", err)
		}
		cfg.FXRate = rate
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
