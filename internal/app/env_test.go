package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBool(t *testing.T) {
	for raw, want := range map[string]bool{
		" YES ": true, "on": true, "1": true, "y": true,
		"off": false, "No": false, "0": false, "false": false,
	} {
		got, err := ParseBool(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseBool("sometimes")
	assert.ErrorContains(t, err, "invalid bool")
}

func TestParseInt(t *testing.T) {
	positive := func(v int) bool { return v > 0 }

	got, err := ParseInt(" 12 ", positive, "must be > 0")
	require.NoError(t, err)
	assert.Equal(t, 12, got)

	_, err = ParseInt("0", positive, "must be > 0")
	assert.EqualError(t, err, "must be > 0")

	_, err = ParseInt("twelve", nil, "")
	assert.ErrorContains(t, err, "invalid integer")
}

func TestParseDuration(t *testing.T) {
	nonNegative := func(v time.Duration) bool { return v >= 0 }

	got, err := ParseDuration(" 250ms ", nonNegative, "must be >= 0")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got)

	_, err = ParseDuration("-1ms", nonNegative, "must be >= 0")
	assert.EqualError(t, err, "must be >= 0")

	_, err = ParseDuration("soon", nil, "")
	assert.ErrorContains(t, err, "invalid duration")
}

func TestConfigFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	env := map[string]string{
		EnvSweepBatchSize:   "-3",
		EnvPaymentExpiry:    "forever",
		EnvSweepPollFirst:   "maybe",
		EnvGatewayMode:      " LOCAL ",
		EnvOutboxRetryDelay: "0s",
	}
	cfg, warnings := ConfigFromEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	defaults := DefaultConfig()
	assert.Len(t, warnings, 3)
	assert.Equal(t, defaults.SweepBatchSize, cfg.SweepBatchSize)
	assert.Equal(t, defaults.PaymentExpiry, cfg.PaymentExpiry)
	assert.Equal(t, defaults.SweepPollFirst, cfg.SweepPollFirst)
	assert.Equal(t, GatewayModeLocal, cfg.GatewayMode)
	assert.Zero(t, cfg.OutboxRetryDelay)
}
