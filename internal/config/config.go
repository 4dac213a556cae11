package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required" validate:"required"`
	CheckoutSuccessURL  string `env:"CHECKOUT_SUCCESS_URL" validate:"omitempty,url"`
	CheckoutCancelURL   string `env:"CHECKOUT_CANCEL_URL" validate:"omitempty,url"`
	Currency            string `env:"CURRENCY" envDefault:"usd" validate:"len=3,lowercase,alpha"`

	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=32"`
	JWTIssuer string `env:"JWT_ISSUER"`

	EncryptionKey string `env:"ENCRYPTION_KEY,required" validate:"required,len=32"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	TelemetryKafkaBrokers []string `env:"TELEMETRY_KAFKA_BROKERS" envSeparator:","`
	TelemetryTopic        string   `env:"TELEMETRY_TOPIC" envDefault:"pawmarket.settlement"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM" validate:"omitempty,email"`

	SentryDSN         string `env:"SENTRY_DSN" validate:"omitempty,url"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"development"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	LogFile   string     `env:"LOG_FILE"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PaymentsEnabled reports whether checkout sessions can be created. Webhook
// settlement works without it.
func (c *Config) PaymentsEnabled() bool {
	return strings.TrimSpace(c.StripeSecretKey) != ""
}

func (c *Config) TelemetryEnabled() bool {
	return len(c.TelemetryKafkaBrokers) > 0
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.PaymentsEnabled() && (strings.TrimSpace(c.CheckoutSuccessURL) == "" || strings.TrimSpace(c.CheckoutCancelURL) == "") {
		return fmt.Errorf("CHECKOUT_SUCCESS_URL and CHECKOUT_CANCEL_URL are required when STRIPE_SECRET_KEY is set")
	}

	hasResendKey := strings.TrimSpace(c.ResendAPIKey) != ""
	hasEmailFrom := strings.TrimSpace(c.EmailFrom) != ""
	if hasResendKey != hasEmailFrom {
		return fmt.Errorf("RESEND_API_KEY and EMAIL_FROM must be set together")
	}

	if c.TelemetryEnabled() && strings.TrimSpace(c.TelemetryTopic) == "" {
		return fmt.Errorf("TELEMETRY_TOPIC is required when TELEMETRY_KAFKA_BROKERS is set")
	}

	for name, raw := range map[string]string{
		"CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
	} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Hostname() == "" {
			return fmt.Errorf("%s must be a valid absolute URL", name)
		}
		if !isLocalHost(parsed.Hostname()) && !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("%s must use https outside local development", name)
		}
	}

	return nil
}

func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
