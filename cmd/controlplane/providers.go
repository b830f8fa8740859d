package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/api"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/config"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/memstore"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/mq"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/registry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/repository"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store is everything the services need from persistence. Both the postgres
// repository and the in-memory store satisfy it.
type Store interface {
	registry.Store
	telemetry.Store
	command.Store
	alerts.Store
	alerts.SilentMeters
}

var (
	_ Store = (*repository.Repository)(nil)
	_ Store = (*memstore.Store)(nil)
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}

// ProvideStore opens the configured store
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (Store, error) {
	if cfg.Storage.Driver == "memory" {
		store := memstore.New()
		store.AddClient(db.Client{ID: 1, Name: "Development", Status: db.StatusActive})
		logger.Warn("using in-memory store, data is lost on restart", zap.Int64("seed_client_id", 1))
		return store, nil
	}
	pool, err := db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideMetrics creates the prometheus collectors
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MaxFlowRate, cfg.Validation.MaxVoltage)
}

// ProvideSigner creates the credential signer
func ProvideSigner(cfg *config.Config) *auth.Signer {
	return auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, map[auth.Kind]time.Duration{
		auth.KindDevice: cfg.Auth.DeviceTokenTTL,
		auth.KindAccess: cfg.Auth.AccessTokenTTL,
	})
}

// ProvideHub creates the realtime hub
func ProvideHub(cfg *config.Config, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(cfg.Stream.Buffer, logger)
}

// ProvideBroker connects to RabbitMQ, or returns nil when no broker is configured
func ProvideBroker(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("rabbitmq disabled, commands are delivered by polling only")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventSink fans domain events out to the hub and, with a broker, the event exchange
func ProvideEventSink(lc fx.Lifecycle, conn *mq.Connection, hub *realtime.Hub, cfg *config.Config, logger *zap.Logger) (realtime.Sink, error) {
	if conn == nil {
		return hub, nil
	}
	publisher, err := mq.NewEventPublisher(conn, cfg.RabbitMQ.EventExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return publisher.Close() }})
	return realtime.Sinks{hub, publisher}, nil
}

// ProvideTransport creates the command push transport, nil without a broker
func ProvideTransport(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (command.Transport, error) {
	if conn == nil {
		return nil, nil
	}
	publisher, err := mq.NewCommandPublisher(conn, cfg.RabbitMQ.CommandExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return publisher.Close() }})
	return publisher, nil
}

// ProvideRules builds the alert rule set from configuration
func ProvideRules(cfg *config.Config) (*alerts.Rules, error) {
	lowBalance, err := decimal.NewFromString(cfg.Ledger.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("LEDGER_LOW_BALANCE_THRESHOLD is not a number: %w", err)
	}
	return alerts.NewRules(alerts.Thresholds{
		LowBalance:    lowBalance,
		MinVoltage:    cfg.Alerts.MinVoltage,
		LowBattery:    cfg.Alerts.LowBattery,
		WeakSignalDBM: cfg.Alerts.WeakSignalDBM,
		PressureRatio: cfg.Alerts.PressureRatio,
	}), nil
}

// ProvideAlertEngine creates the alert engine
func ProvideAlertEngine(store Store, events realtime.Sink, m *metrics.Metrics, logger *zap.Logger) *alerts.Engine {
	return alerts.NewEngine(store, events, m, logger)
}

// ProvideCommandService creates the command queue
func ProvideCommandService(
	store Store,
	transport command.Transport,
	engine *alerts.Engine,
	rules *alerts.Rules,
	events realtime.Sink,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *command.Service {
	return command.NewService(store, transport, engine, rules, events, m, command.Options{
		TTL:       cfg.Commands.TTL,
		PollLimit: cfg.Commands.PollLimit,
	}, logger)
}

// ProvideTelemetryService creates the reading and ledger service
func ProvideTelemetryService(
	store Store,
	rules *alerts.Rules,
	engine *alerts.Engine,
	commands *command.Service,
	v *validator.Validator,
	events realtime.Sink,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) (*telemetry.Service, error) {
	price, err := decimal.NewFromString(cfg.Ledger.DefaultPricePerUnit)
	if err != nil {
		return nil, fmt.Errorf("LEDGER_DEFAULT_PRICE_PER_UNIT is not a number: %w", err)
	}
	return telemetry.NewService(store, rules, engine, commands, v, events, m, price, logger), nil
}

// ProvideRegistryService creates the provisioning service
func ProvideRegistryService(store Store, signer *auth.Signer, v *validator.Validator, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *registry.Service {
	return registry.NewService(store, signer, v, m, cfg.Provisioning.DefaultTTLHours, logger)
}

// ProvideRetryQueue uses redis when configured and an in-process queue otherwise
func ProvideRetryQueue(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) webhook.Queue {
	if !cfg.Redis.Enabled() {
		logger.Warn("redis disabled, webhook retries are kept in process memory")
		return webhook.NewMemoryQueue()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to redis...", zap.String("addr", cfg.Redis.Addr))
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
			}
			logger.Info("redis connection established successfully")
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return webhook.NewRedisQueue(client, "")
}

// ProvideWebhookService wires the payment gateways to the settlement handler
func ProvideWebhookService(queue webhook.Queue, readings *telemetry.Service, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *webhook.Service {
	return webhook.NewService(queue, readings, webhook.Options{
		MaxRetries: cfg.Webhook.MaxRetries,
		Delays:     cfg.Webhook.RetryDelays,
		Retention:  cfg.Webhook.Retention,
	}, m, logger,
		webhook.Midtrans{ServerKey: cfg.Webhook.MidtransServerKey},
		webhook.Doku{SecretKey: cfg.Webhook.DokuSecretKey, Path: cfg.Webhook.DokuPath},
	)
}

// ProvideRouter builds the HTTP handler
func ProvideRouter(
	registrySvc *registry.Service,
	readings *telemetry.Service,
	commands *command.Service,
	engine *alerts.Engine,
	webhooks *webhook.Service,
	hub *realtime.Hub,
	signer *auth.Signer,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) http.Handler {
	return api.NewRouter(api.Services{
		Registry:  registrySvc,
		Telemetry: readings,
		Commands:  commands,
		Alerts:    engine,
		Webhooks:  webhooks,
		Hub:       hub,
		Signer:    signer,
		Metrics:   m,
	}, api.Options{AllowedOrigins: cfg.HTTP.AllowedOrigins}, logger)
}
