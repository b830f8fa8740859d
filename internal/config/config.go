package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName  string
	ServicePort  int
	Storage      StorageConfig
	Database     DatabaseConfig
	RabbitMQ     RabbitMQConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Ledger       LedgerConfig
	Alerts       AlertConfig
	Commands     CommandConfig
	Webhook      WebhookConfig
	Provisioning ProvisioningConfig
	Stream       StreamConfig
	HTTP         HTTPConfig
	Validation   ValidationConfig
}

// ValidationConfig holds sensor plausibility limits for telemetry
type ValidationConfig struct {
	MaxFlowRate float64
	MaxVoltage  float64
}

// StorageConfig selects the store implementation
type StorageConfig struct {
	Driver string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// RabbitMQConfig holds RabbitMQ connection and exchange settings.
// An empty URL disables push dispatch and the telemetry bridge.
type RabbitMQConfig struct {
	URL              string
	CommandExchange  string
	EventExchange    string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether a broker is configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig holds the webhook retry store connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis server is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// AuthConfig holds credential signing settings
type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	DeviceTokenTTL time.Duration
	AccessTokenTTL time.Duration
}

// LedgerConfig holds balance and tariff settings
type LedgerConfig struct {
	DefaultPricePerUnit string
	LowBalanceThreshold string
}

// AlertConfig holds alert rule thresholds
type AlertConfig struct {
	MinVoltage           float64
	LowBattery           float64
	WeakSignalDBM        int
	PressureRatio        float64
	CommunicationTimeout time.Duration
	WatchdogInterval     time.Duration
}

// CommandConfig holds command queue settings
type CommandConfig struct {
	TTL           time.Duration
	PollLimit     int
	SweepInterval time.Duration
}

// WebhookConfig holds retry queue and gateway settings
type WebhookConfig struct {
	MaxRetries        int
	RetryDelays       []time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
	MidtransServerKey string
	DokuSecretKey     string
	DokuPath          string
}

// ProvisioningConfig holds provisioning token defaults
type ProvisioningConfig struct {
	DefaultTTLHours int
}

// StreamConfig holds realtime subscription settings
type StreamConfig struct {
	Buffer int
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-meter-control-plane"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			AutoMigrate: getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			CommandExchange:  getEnv("RABBITMQ_COMMAND_EXCHANGE", "watermeter.commands.exchange"),
			EventExchange:    getEnv("RABBITMQ_EVENT_EXCHANGE", "watermeter.events.exchange"),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "watermeter.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "watermeter.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.raw"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "watermeter.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			Issuer:         getEnv("JWT_ISSUER", "water-meter-control-plane"),
			DeviceTokenTTL: getEnvAsDuration("DEVICE_TOKEN_TTL", 365*24*time.Hour),
			AccessTokenTTL: getEnvAsDuration("ACCESS_TOKEN_TTL", 12*time.Hour),
		},
		Ledger: LedgerConfig{
			DefaultPricePerUnit: getEnv("LEDGER_DEFAULT_PRICE_PER_UNIT", "5000"),
			LowBalanceThreshold: getEnv("LEDGER_LOW_BALANCE_THRESHOLD", "5000"),
		},
		Alerts: AlertConfig{
			MinVoltage:           getEnvAsFloat("ALERT_MIN_VOLTAGE", 3.3),
			LowBattery:           getEnvAsFloat("ALERT_LOW_BATTERY", 20),
			WeakSignalDBM:        getEnvAsInt("ALERT_WEAK_SIGNAL_DBM", -80),
			PressureRatio:        getEnvAsFloat("ALERT_PRESSURE_RATIO", 0.9),
			CommunicationTimeout: getEnvAsDuration("ALERT_COMMUNICATION_TIMEOUT", 2*time.Hour),
			WatchdogInterval:     getEnvAsDuration("WATCHDOG_INTERVAL", 5*time.Minute),
		},
		Commands: CommandConfig{
			TTL:           getEnvAsDuration("COMMAND_TTL", 24*time.Hour),
			PollLimit:     getEnvAsInt("COMMAND_POLL_LIMIT", 10),
			SweepInterval: getEnvAsDuration("COMMAND_SWEEP_INTERVAL", time.Minute),
		},
		Webhook: WebhookConfig{
			MaxRetries:        getEnvAsInt("WEBHOOK_MAX_RETRIES", 3),
			RetryDelays:       getEnvAsSeconds("WEBHOOK_RETRY_DELAYS", []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}),
			SweepInterval:     getEnvAsDuration("WEBHOOK_SWEEP_INTERVAL", 30*time.Second),
			Retention:         getEnvAsDuration("WEBHOOK_RETENTION", time.Hour),
			MidtransServerKey: getEnv("MIDTRANS_SERVER_KEY", ""),
			DokuSecretKey:     getEnv("DOKU_SECRET_KEY", ""),
			DokuPath:          getEnv("DOKU_NOTIFICATION_PATH", "/webhooks/payment/doku"),
		},
		Provisioning: ProvisioningConfig{
			DefaultTTLHours: getEnvAsInt("PROVISIONING_DEFAULT_TTL_HOURS", 24),
		},
		Stream: StreamConfig{
			Buffer: getEnvAsInt("STREAM_BUFFER", 32),
		},
		HTTP: HTTPConfig{
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Validation: ValidationConfig{
			MaxFlowRate: getEnvAsFloat("VALIDATION_MAX_FLOW_RATE", 1000),
			MaxVoltage:  getEnvAsFloat("VALIDATION_MAX_VOLTAGE", 24),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of postgres, memory (got %q)", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required but not set in environment variables")
	}
	if c.Webhook.MaxRetries < 1 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be at least 1")
	}
	if len(c.Webhook.RetryDelays) == 0 {
		return fmt.Errorf("WEBHOOK_RETRY_DELAYS must contain at least one delay")
	}
	if c.Commands.PollLimit < 1 {
		return fmt.Errorf("COMMAND_POLL_LIMIT must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds parses a comma separated list of whole seconds, e.g. "60,300,900"
func getEnvAsSeconds(key string, defaultValue []time.Duration) []time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var delays []time.Duration
	for _, part := range strings.Split(valueStr, ",") {
		seconds, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || seconds <= 0 {
			return defaultValue
		}
		delays = append(delays, time.Duration(seconds)*time.Second)
	}
	return delays
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
