package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.GatewayMode = GatewayModeLocal
	cfg.WebhookSecret = "secret"
	return cfg
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.True(t, cfg.PostgresAutoMigrate)
	assert.Empty(t, cfg.GatewayMode, "gateway mode must be chosen explicitly")
	assert.Equal(t, 24*time.Hour, cfg.PaymentExpiry)
	assert.Positive(t, cfg.OutboxPollInterval)
	assert.Positive(t, cfg.OutboxBatchSize)
	assert.Positive(t, cfg.OutboxMaxAttempts)
	assert.Positive(t, cfg.SweepInterval)
	assert.Positive(t, cfg.IdempotencyCleanupInterval)
	assert.Positive(t, cfg.IdempotencyCleanupBatchSize)
}

func TestConfig_Comparison(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()
	assert.True(t, cfg1 == cfg2)

	cfg2.GRPCAddr = ":8081"
	assert.False(t, cfg1 == cfg2)
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "local gateway", mutate: func(*Config) {}},
		{
			name: "pesapal with credentials",
			mutate: func(c *Config) {
				c.GatewayMode = GatewayModePesapal
				c.PesapalConsumerKey = "key"
				c.PesapalConsumerSecret = "secret"
				c.PesapalNotificationID = "ipn-1"
				c.CallbackURL = "https://shop.example/return"
			},
		},
		{
			name:    "gateway mode missing",
			mutate:  func(c *Config) { c.GatewayMode = "" },
			wantErr: "gateway mode is not set",
		},
		{
			name:    "unknown gateway mode",
			mutate:  func(c *Config) { c.GatewayMode = "mock" },
			wantErr: "unsupported gateway mode",
		},
		{
			name:    "pesapal without credentials",
			mutate:  func(c *Config) { c.GatewayMode = GatewayModePesapal; c.PesapalIPNURL = "https://x/ipn" },
			wantErr: "consumer key and secret",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.StorageDriver = StorageDriverPostgres },
			wantErr: "PAYCOORD_POSTGRES_DSN",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.StorageDriver = "sqlite" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "webhook secret missing",
			mutate:  func(c *Config) { c.WebhookSecret = " " },
			wantErr: "webhook secret is required",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfig_KafkaBrokerList(t *testing.T) {
	cfg := Config{KafkaBrokers: " broker1:9092, ,broker2:9092 "}
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokerList())
	assert.Empty(t, Config{}.KafkaBrokerList())
}
