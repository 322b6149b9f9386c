package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYPAL_CLIENT_ID", "id")
	t.Setenv("PAYPAL_CLIENT_SECRET", "secret")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "USD", cfg.Business.Currency)
	assert.Equal(t, 60*time.Second, cfg.Business.LockTTL)
	assert.Equal(t, 15*time.Minute, cfg.Business.TrackingCacheTTL)
	assert.Equal(t, 15*time.Second, cfg.PayPal.Timeout)
	assert.Equal(t, "dhl", cfg.Shipping.Carrier)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Tracking.Sandbox())
	assert.False(t, cfg.SMS.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ORDER_LOCK_TTL", "90")
	t.Setenv("TRACKING_CACHE_TTL", "2m")
	t.Setenv("SHIPPING_GENERATE_LABEL", "false")
	t.Setenv("SMS_WORKERS", "8")
	t.Setenv("TRACKING_API_KEY", "key")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000")

	cfg := Load()
	assert.False(t, cfg.Server.Verbose())
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Business.LockTTL)
	assert.Equal(t, 2*time.Minute, cfg.Business.TrackingCacheTTL)
	assert.False(t, cfg.Shipping.GenerateLabel)
	assert.Equal(t, 8, cfg.SMS.Workers)
	assert.False(t, cfg.Tracking.Sandbox())
	assert.True(t, cfg.SMS.Enabled())
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	t.Setenv("ORDER_LOCK_WAIT", "soon")

	cfg := Load()
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 5*time.Second, cfg.Business.LockWait)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("CURRENCY", "EURO")
	t.Setenv("PAYPAL_CLIENT_ID", "")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "PAYPAL_CLIENT_ID")
	assert.Contains(t, err.Error(), "CURRENCY")
}
