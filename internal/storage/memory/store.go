package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// Store — in-memory хранилище координатора.
// Один писатель: транзакция держит мьютекс всё время выполнения fn, поэтому
// блокировка заказа сводится к глобальной. Откат реализован журналом undo.
type Store struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	orderKeys map[string]string

	units       map[string]domain.SellableUnit
	allocations map[string][]domain.Allocation

	payments map[string][]domain.PaymentAttempt
	tracking map[string]string

	notifications map[string][]domain.NotificationLogEntry

	outbox      map[string]*outboxRecord
	outboxOrder []string

	idempotency *idempotencyKeys
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		orders:        make(map[string]domain.Order),
		orderKeys:     make(map[string]string),
		units:         make(map[string]domain.SellableUnit),
		allocations:   make(map[string][]domain.Allocation),
		payments:      make(map[string][]domain.PaymentAttempt),
		tracking:      make(map[string]string),
		notifications: make(map[string][]domain.NotificationLogEntry),
		outbox:        make(map[string]*outboxRecord),
		idempotency:   newIdempotencyKeys(),
	}
}

// txn копит обратные операции на случай отката.
type txn struct {
	undo []func()
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// view даёт доступ к данным в autocommit (tx == nil) или внутри транзакции.
type view struct {
	s  *Store
	tx *txn
}

// lock берёт мьютекс только вне транзакции: внутри он уже удерживается.
func (v view) lock() func() {
	if v.tx != nil {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

// onRollback регистрирует undo-операцию, если идёт транзакция.
func (v view) onRollback(fn func()) {
	if v.tx != nil {
		v.tx.undo = append(v.tx.undo, fn)
	}
}

type repositories struct {
	v view
}

func (r repositories) Orders() domain.OrderRepository        { return orderRepository{r.v} }
func (r repositories) Units() domain.UnitLedger              { return unitLedger{r.v} }
func (r repositories) Payments() domain.PaymentRepository    { return paymentRepository{r.v} }
func (r repositories) Notifications() domain.NotificationLog { return notificationLog{r.v} }
func (r repositories) Outbox() domain.OutboxRepository       { return outboxRepository{r.v} }
func (s *Store) autocommit() repositories                    { return repositories{view{s: s}} }
func (s *Store) Orders() domain.OrderRepository              { return s.autocommit().Orders() }
func (s *Store) Units() domain.UnitLedger                    { return s.autocommit().Units() }
func (s *Store) Payments() domain.PaymentRepository          { return s.autocommit().Payments() }
func (s *Store) Notifications() domain.NotificationLog       { return s.autocommit().Notifications() }
func (s *Store) Outbox() domain.OutboxRepository             { return s.autocommit().Outbox() }
func (s *Store) Idempotency() domain.IdempotencyRepository   { return s.idempotency }
func (s *Store) Ping(context.Context) error                  { return nil }

// WithinTx выполняет fn под мьютексом хранилища; ошибка откатывает изменения.
func (s *Store) WithinTx(ctx context.Context, fn domain.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.run(ctx, fn)
}

// WithinOrderLock проверяет наличие заказа и выполняет fn в транзакции.
func (s *Store) WithinOrderLock(ctx context.Context, orderID string, fn domain.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return domain.ErrOrderNotFound
	}
	return s.run(ctx, fn)
}

func (s *Store) run(ctx context.Context, fn domain.TxFunc) (err error) {
	tx := &txn{}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(ctx, repositories{view{s: s, tx: tx}})
}

var _ domain.Store = (*Store)(nil)
