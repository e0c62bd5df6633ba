package domain

import "time"

// PaymentStatus описывает состояние платёжной попытки.
type PaymentStatus string

const (
	// PaymentStatusInitiated — шлюз принял запрос и выдал tracking id.
	PaymentStatusInitiated PaymentStatus = "INITIATED"
	// PaymentStatusPending — шлюз подтвердил, что платёж ещё в процессе.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusCompleted — шлюз подтвердил списание, заказ оплачен.
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	// PaymentStatusFailed — шлюз отклонил платёж или попытка признана невалидной.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusCancelled — платёж отменён.
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	// PaymentStatusExpired — попытка не завершилась за окно экспирации.
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// Terminal сообщает, что статус записан окончательно.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	return s == PaymentStatusInitiated || s == PaymentStatusPending || s.Terminal()
}

// PaymentMethod — нормализованный способ оплаты, известен только после завершения.
type PaymentMethod string

const (
	PaymentMethodMPesa       PaymentMethod = "MPESA"
	PaymentMethodVisa        PaymentMethod = "VISA"
	PaymentMethodMastercard  PaymentMethod = "MASTERCARD"
	PaymentMethodAmex        PaymentMethod = "AMEX"
	PaymentMethodMobileMoney PaymentMethod = "MOBILE_MONEY"
	PaymentMethodBank        PaymentMethod = "BANK"
	PaymentMethodUnknown     PaymentMethod = "UNKNOWN"
)

// PaymentAttempt — одна транзакция на стороне шлюза для заказа.
type PaymentAttempt struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	// TrackingID пустой, если шлюз не принял запрос.
	TrackingID       string        `json:"tracking_id,omitempty"`
	Status           PaymentStatus `json:"status"`
	AmountMinor      int64         `json:"amount_minor"`
	Currency         string        `json:"currency"`
	PaymentMethod    PaymentMethod `json:"payment_method,omitempty"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	RedirectURL      string        `json:"redirect_url,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	InitiatedAt      time.Time     `json:"initiated_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	// Verified выставляется только по авторитетному ответу шлюза.
	Verified bool `json:"verified"`
	// NotificationReceived — был хотя бы один webhook по этой попытке.
	NotificationReceived bool      `json:"notification_received"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Active сообщает, что попытка ещё может завершиться.
func (p *PaymentAttempt) Active() bool {
	return !p.Status.Terminal()
}

// Validate проверяет корректность полей попытки.
func (p *PaymentAttempt) Validate() []error {
	var errs []error

	switch {
	case p.OrderID == "":
		errs = append(errs, ErrOrderIDRequired)
	case p.AmountMinor <= 0:
		errs = append(errs, ErrPaymentAmountInvalid)
	case p.Currency == "":
		errs = append(errs, ErrCurrencyRequired)
	case !p.Status.Valid():
		errs = append(errs, ErrInvalidTransition)
	}

	return errs
}
