package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
)

func seedUnits(t *testing.T, store *memory.Store, units ...domain.SellableUnit) {
	t.Helper()
	for _, u := range units {
		if u.SaleStatus == "" {
			u.SaleStatus = domain.SaleStatusAvailable
		}
		require.NoError(t, store.Units().Register(context.Background(), u))
	}
}

func uniqueUnit(id string) domain.SellableUnit {
	return domain.SellableUnit{ID: id, SKU: "sku-" + id, Kind: domain.UnitKindUnique, Stock: 1, AvailableOnline: true}
}

func pendingOrder(id, key string, unitIDs ...string) domain.Order {
	now := time.Now().UTC()
	order := domain.Order{
		ID:             id,
		IdempotencyKey: key,
		CustomerID:     "c-1",
		Status:         domain.OrderStatusPending,
		Currency:       "KES",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, unitID := range unitIDs {
		order.Items = append(order.Items, domain.OrderLineItem{
			ID: id + "-item-" + string(rune('a'+i)), UnitID: unitID, Quantity: 1, UnitPriceMinor: 1000,
		})
		order.TotalMinor += 1000
	}
	return order
}

func TestOrderRepository_IdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.Orders().Create(ctx, pendingOrder("o-1", "key-1")))
	err := store.Orders().Create(ctx, pendingOrder("o-2", "key-1"))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyTaken)

	got, err := store.Orders().GetByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)

	require.ErrorIs(t, store.Orders().Create(ctx, pendingOrder("o-1", "")), domain.ErrOrderAlreadyExists)
}

func TestOrderRepository_ConcurrentSameKeyCreatesOne(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, taken := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Orders().Create(ctx, pendingOrder("o-"+string(rune('a'+i)), "shared-key"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrIdempotencyKeyTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, taken)
}

func TestOrderRepository_UpdateStatusGuards(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Orders().Create(ctx, pendingOrder("o-1", "")))

	now := time.Now().UTC()
	require.NoError(t, store.Orders().UpdateStatus(ctx, "o-1", domain.OrderStatusPending, domain.OrderStatusPaid, now))
	err := store.Orders().UpdateStatus(ctx, "o-1", domain.OrderStatusPending, domain.OrderStatusFailed, now)
	require.ErrorIs(t, err, domain.ErrInvalidOrderState)

	paid, err := store.Orders().ListByStatus(ctx, domain.OrderStatusPaid, 10)
	require.NoError(t, err)
	require.Len(t, paid, 1)
}

func TestUnitLedger_ReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sold := uniqueUnit("u-2")
	sold.SaleStatus = domain.SaleStatusSold
	seedUnits(t, store, uniqueUnit("u-1"), sold)

	order := pendingOrder("o-1", "", "u-1", "u-2")
	err := store.Units().Reserve(ctx, order.ID, order.Allocations(), time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrUnitConflict)

	u1, err := store.Units().Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusAvailable, u1.SaleStatus)
	assert.Empty(t, u1.HeldByOrder)

	allocs, err := store.Units().Allocations(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestUnitLedger_FinalizeAndReleaseAreExclusive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedUnits(t, store, uniqueUnit("u-1"))

	order := pendingOrder("o-1", "", "u-1")
	now := time.Now().UTC()
	require.NoError(t, store.Units().Reserve(ctx, order.ID, order.Allocations(), now))

	u1, _ := store.Units().Get(ctx, "u-1")
	assert.Equal(t, domain.SaleStatusPendingPayment, u1.SaleStatus)
	assert.Equal(t, "o-1", u1.HeldByOrder)

	n, err := store.Units().Finalize(ctx, order.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.Units().Release(ctx, order.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "release after finalize must be a no-op")

	u1, _ = store.Units().Get(ctx, "u-1")
	assert.Equal(t, domain.SaleStatusSold, u1.SaleStatus)
}

func TestUnitLedger_PoolStock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedUnits(t, store, domain.SellableUnit{ID: "case", Kind: domain.UnitKindPool, Stock: 3})
	now := time.Now().UTC()

	first := []domain.Allocation{{UnitID: "case", Quantity: 2}}
	require.NoError(t, store.Units().Reserve(ctx, "o-1", first, now))

	second := []domain.Allocation{{UnitID: "case", Quantity: 2}}
	require.ErrorIs(t, store.Units().Reserve(ctx, "o-2", second, now), domain.ErrUnitConflict)

	_, err := store.Units().Release(ctx, "o-1", now)
	require.NoError(t, err)
	require.NoError(t, store.Units().Reserve(ctx, "o-2", second, now))

	_, err = store.Units().Finalize(ctx, "o-2", now)
	require.NoError(t, err)
	pool, _ := store.Units().Get(ctx, "case")
	assert.Equal(t, int32(1), pool.Stock)
	assert.Equal(t, domain.SaleStatusAvailable, pool.SaleStatus)

	third := []domain.Allocation{{UnitID: "case", Quantity: 1}}
	require.NoError(t, store.Units().Reserve(ctx, "o-3", third, now))
	_, err = store.Units().Finalize(ctx, "o-3", now)
	require.NoError(t, err)
	pool, _ = store.Units().Get(ctx, "case")
	assert.Equal(t, domain.SaleStatusSold, pool.SaleStatus)
}

func TestUnitLedger_SetStatusRefusesHeldUnit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedUnits(t, store, uniqueUnit("u-1"), uniqueUnit("u-2"))
	now := time.Now().UTC()

	require.NoError(t, store.Units().Reserve(ctx, "o-1", []domain.Allocation{{UnitID: "u-1", Quantity: 1}}, now))
	_, err := store.Units().SetStatus(ctx, "u-1", domain.SaleStatusReserved, now)
	require.ErrorIs(t, err, domain.ErrUnitHeld)

	_, err = store.Units().SetStatus(ctx, "u-2", domain.SaleStatusSold, now)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	u2, err := store.Units().SetStatus(ctx, "u-2", domain.SaleStatusReturned, now)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, u2.SaleStatus)

	held, err := store.Units().HeldOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1"}, held)
}

func TestStore_WithinTxRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedUnits(t, store, uniqueUnit("u-1"))
	order := pendingOrder("o-1", "key-1", "u-1")
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Repositories) error {
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		if err := tx.Units().Reserve(ctx, order.ID, order.Allocations(), time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateID: order.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Orders().Get(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = store.Orders().GetByIdempotencyKey(ctx, "key-1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	u1, _ := store.Units().Get(ctx, "u-1")
	assert.Equal(t, domain.SaleStatusAvailable, u1.SaleStatus)
	assert.Empty(t, store.AllPending())
}

func TestStore_WithinOrderLockUnknownOrder(t *testing.T) {
	store := memory.NewStore()
	err := store.WithinOrderLock(context.Background(), "missing", func(context.Context, domain.Repositories) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestPaymentRepository_TerminalIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	attempt := domain.PaymentAttempt{
		ID: "p-1", OrderID: "o-1", TrackingID: "trk-1", Status: domain.PaymentStatusInitiated,
		AmountMinor: 1000, Currency: "KES", InitiatedAt: now, ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, store.Payments().Create(ctx, attempt))
	require.ErrorIs(t, store.Payments().Create(ctx, domain.PaymentAttempt{ID: "p-2", OrderID: "o-1"}), domain.ErrActivePaymentExists)

	expired, err := store.Payments().ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	attempt.Status = domain.PaymentStatusCompleted
	require.NoError(t, store.Payments().Update(ctx, attempt))

	attempt.Status = domain.PaymentStatusFailed
	require.ErrorIs(t, store.Payments().Update(ctx, attempt), domain.ErrPaymentTerminal)

	got, err := store.Payments().GetByTrackingID(ctx, "trk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, got.Status)

	require.ErrorIs(t, store.Payments().Create(ctx, domain.PaymentAttempt{ID: "p-3", OrderID: "o-2", TrackingID: "trk-1"}), domain.ErrTrackingIDConflict)
}

func TestOutboxRepository_FIFOAndStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := store.Outbox()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateID: "o-1", EventType: "order.settled"})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{AggregateID: "o-2", EventType: "order.settled"})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)

	pending, err := repo.PullPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	assert.Len(t, store.AllPending(), 1)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)
}

func TestNotificationLog_AppendsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	entry := domain.NotificationLogEntry{OrderID: "o-1", TrackingID: "trk", Source: domain.SourceWebhook}

	require.NoError(t, store.Notifications().Append(ctx, entry))
	require.NoError(t, store.Notifications().Append(ctx, entry))

	rows, err := store.Notifications().List(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
}
