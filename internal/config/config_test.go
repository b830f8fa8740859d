package config

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	is := is.New(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	is.True(err != nil)
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	is := is.New(t)
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")

	_, err := Load()
	is.True(err != nil)
}

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.Webhook.MaxRetries, 3)
	is.Equal(cfg.Webhook.RetryDelays, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute})
	is.Equal(cfg.Commands.PollLimit, 10)
	is.Equal(cfg.Ledger.LowBalanceThreshold, "5000")
	is.Equal(cfg.Auth.DeviceTokenTTL, 365*24*time.Hour)
	is.True(!cfg.RabbitMQ.Enabled())
	is.True(!cfg.Redis.Enabled())
}

func TestRetryDelaysFromEnv(t *testing.T) {
	is := is.New(t)
	t.Setenv("WEBHOOK_RETRY_DELAYS", "10, 20,30")
	is.Equal(getEnvAsSeconds("WEBHOOK_RETRY_DELAYS", nil), []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second})

	t.Setenv("WEBHOOK_RETRY_DELAYS", "10,abc")
	is.Equal(getEnvAsSeconds("WEBHOOK_RETRY_DELAYS", []time.Duration{time.Second}), []time.Duration{time.Second})
}
