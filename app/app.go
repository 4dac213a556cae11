package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawmarket/pawmarket/internal/auth"
	"github.com/pawmarket/pawmarket/internal/cache"
	"github.com/pawmarket/pawmarket/internal/config"
	"github.com/pawmarket/pawmarket/internal/crypto"
	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/internal/email"
	"github.com/pawmarket/pawmarket/internal/handlers"
	"github.com/pawmarket/pawmarket/internal/logging"
	"github.com/pawmarket/pawmarket/internal/observability"
	"github.com/pawmarket/pawmarket/internal/services"
	"github.com/pawmarket/pawmarket/internal/stripe"
	"github.com/pawmarket/pawmarket/internal/telemetry"
)

const (
	webhookDedupeCacheSize = 10_000
	outboundHTTPTimeout    = 10 * time.Second
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Publisher     telemetry.Publisher
	Handlers      *handlers.Handlers

	logFile *os.File
	sentry  bool
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, logFile: logFile}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
		}); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		a.sentry = true
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = database

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	petStore := db.NewPetStore(database)
	orderStore, err := db.NewOrderStore(database, encryptor)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize order store: %w", err)
	}
	adoptionStore := db.NewAdoptionStore(database)
	webhookEventStore := db.NewWebhookEventStore(database)
	transactor := db.NewTransactor(database)

	cacheProvider, err := cache.NewProvider(startupCtx, cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
		MemorySize:            webhookDedupeCacheSize,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	publisher := telemetry.NewNoopPublisher()
	if cfg.TelemetryEnabled() {
		kafkaPublisher, err := telemetry.NewKafkaPublisher(cfg.TelemetryKafkaBrokers, cfg.TelemetryTopic, logger.With("component", "telemetry"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize telemetry publisher: %w", err)
		}
		publisher = kafkaPublisher
	}
	a.Publisher = publisher

	httpClient := observability.NewHTTPClient(outboundHTTPTimeout)
	emailProvider, err := email.NewProvider(email.Config{
		APIKey:     cfg.ResendAPIKey,
		From:       cfg.EmailFrom,
		HTTPClient: httpClient,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}
	if emailProvider == nil {
		logger.Info("email notifications disabled")
	}
	notifier := services.NewEmailNotifier(emailProvider, cfg.Currency)

	inventory := services.NewPetInventory(petStore, logger.With("component", "pet_inventory"))
	orderLedger := services.NewOrderLedger(transactor, orderStore, inventory, logger.With("component", "order_ledger"))
	adoptionLedger := services.NewAdoptionLedger(transactor, adoptionStore, inventory, notifier, publisher, logger.With("component", "adoption_ledger"))
	webhookLedger := services.NewWebhookLedger(webhookEventStore)
	settlement := services.NewSettlementCoordinator(services.SettlementDeps{
		Tx:        transactor,
		Ledger:    webhookLedger,
		Orders:    orderLedger,
		Dedupe:    cache.NewEventDeduper(cacheProvider, "stripe", cache.DefaultWebhookTTL),
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    logger.With("component", "settlement"),
	})

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	deps := handlers.Dependencies{
		DB:                  database,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		Verifier:            verifier,
		Settlement:          settlement,
		Orders:              orderLedger,
		Adoptions:           adoptionLedger,
		Inventory:           inventory,
		Logger:              logger,
	}
	if cfg.PaymentsEnabled() {
		gateway := stripe.NewGateway(cfg.StripeSecretKey, stripe.GatewayConfig{
			Currency:   cfg.Currency,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			HTTPClient: httpClient,
		})
		deps.Checkout = services.NewCheckoutService(orderLedger, webhookLedger, gateway, publisher, logger.With("component", "checkout"))
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout routes disabled")
	}

	h, err := handlers.New(deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	a.Handlers = h

	return a, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("failed to close telemetry publisher", "error", err)
		}
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
	if a.logFile != nil {
		_ = a.logFile.Close() //nolint
	}
}

// newLogger writes to stdout in the configured format. When LOG_FILE is set
// records are also appended to that file as JSON.
func newLogger(cfg *config.Config) (*slog.Logger, *os.File, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var stdout slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		stdout = slog.NewJSONHandler(os.Stdout, opts)
	default:
		stdout = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if cfg.LogFile == "" {
		return slog.New(stdout), nil, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(logging.MultiHandler(stdout, slog.NewJSONHandler(f, opts))), f, nil
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
