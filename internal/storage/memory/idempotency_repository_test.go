package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
)

func TestIdempotencyRepository_PaymentInitiationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)

	created, err := repo.CreateProcessing(ctx, " pay-order-1 ", "sha-a", ttl)
	require.NoError(t, err)
	assert.Equal(t, "pay-order-1", created.Key)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)
	assert.False(t, created.Replayable())

	body := []byte(`{"redirect_url":"https://pay.example/r/1"}`)
	require.NoError(t, repo.MarkDone(ctx, "pay-order-1", body, 201))
	body[0] = 'X'

	stored, err := repo.Get(ctx, "pay-order-1")
	require.NoError(t, err)
	assert.True(t, stored.Replayable())
	assert.Equal(t, 201, stored.HTTPStatus)
	assert.True(t, stored.TTLAt.Equal(ttl))
	assert.JSONEq(t, `{"redirect_url":"https://pay.example/r/1"}`, string(stored.ResponseBody))
}

func TestIdempotencyRepository_ReuseRules(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing(ctx, "pay-order-2", "sha-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing(ctx, "pay-order-2", "sha-a", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.CreateProcessing(ctx, "pay-order-2", "sha-b", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkFailed(ctx, "pay-order-2", []byte(`{"error":"gateway"}`), 502))
	failed, err := repo.Get(ctx, "pay-order-2")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, failed.Status)
}

func TestIdempotencyRepository_ExpiredKeyIsReclaimed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.CreateProcessing(ctx, "pay-order-3", "sha-old", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	reclaimed, err := repo.CreateProcessing(ctx, "pay-order-3", "sha-new", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "sha-new", reclaimed.RequestHash)
	assert.WithinDuration(t, time.Now().UTC().Add(domain.DefaultIdempotencyTTL), reclaimed.TTLAt, time.Minute)
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for _, key := range []string{"stale-1", "stale-2", "stale-3"} {
		_, err := repo.CreateProcessing(ctx, key, "sha", now.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "fresh", "sha", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.CreateProcessing(ctx, "  ", "sha", time.Time{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing(ctx, "key", "", time.Time{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
	_, err = repo.Get(ctx, "")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	assert.ErrorIs(t, repo.MarkDone(ctx, "missing", nil, 200), domain.ErrIdempotencyKeyNotFound)
}
