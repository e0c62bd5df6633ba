package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/messaging/kafka"
)

func mapLookup(values map[string]string) app.EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type fakeConsumer struct {
	started bool
	stopped bool
}

func (f *fakeConsumer) Start(context.Context) error {
	f.started = true
	return nil
}

func (f *fakeConsumer) Stop() error {
	f.stopped = true
	return nil
}

func TestLoadConfig(t *testing.T) {
	cfg, _, err := loadConfig(mapLookup(map[string]string{
		app.EnvKafkaBrokers: "k1:9092, k2:9092",
		envGroupID:          "receipts",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.brokers)
	assert.Equal(t, "receipts", cfg.groupID)
	assert.Equal(t, kafka.TopicSettlementEvents, cfg.topic)
	assert.Equal(t, defaultMaxRetries, cfg.maxRetries)
}

func TestLoadConfig_RequiresBrokers(t *testing.T) {
	_, _, err := loadConfig(mapLookup(nil))
	assert.ErrorContains(t, err, app.EnvKafkaBrokers)
}

func TestRun_StartsAndStopsConsumer(t *testing.T) {
	old := newConsumer
	defer func() { newConsumer = old }()

	fake := &fakeConsumer{}
	var gotHandler kafka.MessageHandler
	newConsumer = func(_ notifierConfig, handler kafka.MessageHandler) (consumerRunner, error) {
		gotHandler = handler
		return fake, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx, notifierConfig{topic: kafka.TopicSettlementEvents, groupID: defaultGroupID}))
	assert.True(t, fake.started)
	assert.True(t, fake.stopped)
	assert.NotNil(t, gotHandler)
}

func TestRun_ConsumerInitError(t *testing.T) {
	old := newConsumer
	defer func() { newConsumer = old }()

	newConsumer = func(notifierConfig, kafka.MessageHandler) (consumerRunner, error) {
		return nil, errors.New("no brokers reachable")
	}
	err := run(context.Background(), notifierConfig{})
	assert.ErrorContains(t, err, "no brokers reachable")
}
