package domain

import (
	"context"
	"time"
)

// OrderRepository хранит заказы и их позиции.
type OrderRepository interface {
	// Create сохраняет заказ вместе с позициями. ErrIdempotencyKeyTaken, если ключ уже занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// GetByIdempotencyKey ищет заказ по клиентскому ключу.
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	// UpdateStatus переводит заказ из from в to; ErrInvalidOrderState, если текущий статус другой.
	UpdateStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) error
	// ListByStatus возвращает заказы в статусе (для ремонтных команд).
	ListByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error)
}

// UnitLedger владеет статусами продаж товарных единиц.
// Все изменения идут пачкой, в транзакции вызывающего.
type UnitLedger interface {
	// Register заводит единицу (каталог вне периметра, нужен для наполнения).
	Register(ctx context.Context, unit SellableUnit) error
	// Get возвращает единицу или ErrUnitNotFound.
	Get(ctx context.Context, id string) (SellableUnit, error)
	// Reserve удерживает все единицы партии за заказом или ни одну (ErrUnitConflict).
	Reserve(ctx context.Context, orderID string, allocations []Allocation, at time.Time) error
	// Finalize переводит удержания заказа в продажу; возвращает число затронутых единиц.
	Finalize(ctx context.Context, orderID string, at time.Time) (int, error)
	// Release возвращает удержания заказа в продажу; возвращает число затронутых единиц.
	Release(ctx context.Context, orderID string, at time.Time) (int, error)
	// Allocations возвращает удержания заказа.
	Allocations(ctx context.Context, orderID string) ([]Allocation, error)
	// HeldOrders возвращает заказы, у которых остались удержания в статусе held.
	HeldOrders(ctx context.Context, limit int) ([]string, error)
	// SetStatus меняет статус вручную; ErrUnitHeld, если единица удерживается.
	SetStatus(ctx context.Context, unitID string, status SaleStatus, at time.Time) (SellableUnit, error)
}

// PaymentRepository хранит платёжные попытки.
type PaymentRepository interface {
	// Create сохраняет новую попытку. ErrActivePaymentExists или ErrTrackingIDConflict при гонке.
	Create(ctx context.Context, attempt PaymentAttempt) error
	// Latest возвращает последнюю попытку заказа или ErrPaymentNotFound.
	Latest(ctx context.Context, orderID string) (PaymentAttempt, error)
	// GetByTrackingID ищет попытку по идентификатору шлюза.
	GetByTrackingID(ctx context.Context, trackingID string) (PaymentAttempt, error)
	// Update сохраняет попытку; терминальный статус не перезаписывается (ErrPaymentTerminal).
	Update(ctx context.Context, attempt PaymentAttempt) error
	// ListExpired возвращает активные попытки с ExpiresAt раньше before.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]PaymentAttempt, error)
}

// NotificationLog — журнал входящих уведомлений и опросов шлюза (append-only).
type NotificationLog interface {
	Append(ctx context.Context, entry NotificationLogEntry) error
	List(ctx context.Context, orderID string) ([]NotificationLogEntry, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Repositories — набор репозиториев, привязанных к одной транзакции (или к autocommit).
type Repositories interface {
	Orders() OrderRepository
	Units() UnitLedger
	Payments() PaymentRepository
	Notifications() NotificationLog
	Outbox() OutboxRepository
}

// TxFunc выполняется внутри транзакции хранилища.
type TxFunc func(ctx context.Context, tx Repositories) error

// Store — хранилище координатора. Вне транзакции репозитории работают в autocommit.
type Store interface {
	Repositories
	Idempotency() IdempotencyRepository
	// WithinTx выполняет fn атомарно: ошибка откатывает все изменения.
	WithinTx(ctx context.Context, fn TxFunc) error
	// WithinOrderLock берёт эксклюзивную блокировку заказа и выполняет fn в той же транзакции.
	// ErrOrderNotFound, если заказа нет.
	WithinOrderLock(ctx context.Context, orderID string, fn TxFunc) error
	Ping(ctx context.Context) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// SettledOrder — событие расчёта, которое получает Notifier.
type SettledOrder struct {
	Order   Order          `json:"order"`
	Payment PaymentAttempt `json:"payment"`
}

// Notifier — внешний получатель событий о расчёте (чеки, SMS/WhatsApp).
// Ошибки логируются и никогда не откатывают расчёт.
type Notifier interface {
	OnSettled(ctx context.Context, settled SettledOrder) error
}
