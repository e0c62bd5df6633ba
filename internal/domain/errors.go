package domain

import "errors"

var (
	// ErrInvalidRequest — запрос клиента не прошёл валидацию; оборачивает конкретные ошибки.
	ErrInvalidRequest = errors.New("invalid request")
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка позиции без ссылки на товарную единицу.
	ErrUnitRequired = errors.New("item unit_id is required")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка переполнения суммы позиции или заказа.
	ErrAmountOverflow = errors.New("order amount overflows")
	// Ошибка отсутствующего идентификатора заказа в платежах/резервах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountInvalid = errors.New("payment amount must be positive")

	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторной вставке заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrInvalidOrderState — операция недопустима в текущем статусе заказа.
	ErrInvalidOrderState = errors.New("invalid order state")
	// ErrInvalidTransition — попытка перевести сущность в статус, которого нет в графе переходов.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnitNotFound возвращается, если товарная единица не найдена.
	ErrUnitNotFound = errors.New("sellable unit not found")
	// ErrUnitConflict — хотя бы одна единица партии недоступна, резерв не выполнен целиком.
	ErrUnitConflict = errors.New("sellable unit is not available")
	// ErrUnitHeld — ручное изменение статуса запрещено, пока единица удерживается заказом.
	ErrUnitHeld = errors.New("sellable unit is held by an order")
	// ErrUnitInvalid — некорректные атрибуты товарной единицы.
	ErrUnitInvalid = errors.New("sellable unit is invalid")

	// ErrPaymentNotFound возвращается, если по заказу нет платёжной попытки.
	ErrPaymentNotFound = errors.New("payment attempt not found")
	// ErrActivePaymentExists — по заказу уже есть незавершённая попытка оплаты.
	ErrActivePaymentExists = errors.New("active payment attempt already exists")
	// ErrTrackingIDConflict — tracking id шлюза уже привязан к другой попытке.
	ErrTrackingIDConflict = errors.New("gateway tracking id already recorded")
	// ErrPaymentTerminal — попытка в терминальном статусе не перезаписывается.
	ErrPaymentTerminal = errors.New("payment attempt is terminal")

	// ErrIdempotencyKeyTaken — заказ с таким ключом уже создан конкурентным запросом.
	ErrIdempotencyKeyTaken = errors.New("order idempotency key already used")
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же хешем.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsIdempotencyConflict сообщает, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsNotFound объединяет все not-found ошибки хранилища.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrIdempotencyKeyNotFound)
}
