package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// GatewayStatus — нормализованный статус платежа, наблюдаемый у шлюза.
type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "PENDING"
	GatewayStatusCompleted GatewayStatus = "COMPLETED"
	GatewayStatusFailed    GatewayStatus = "FAILED"
	GatewayStatusCancelled GatewayStatus = "CANCELLED"
	GatewayStatusExpired   GatewayStatus = "EXPIRED"
	GatewayStatusUnknown   GatewayStatus = "UNKNOWN"
)

// Positive сообщает, что шлюз подтвердил списание средств.
func (s GatewayStatus) Positive() bool {
	return s == GatewayStatusCompleted
}

// Negative сообщает, что платёж окончательно не состоялся.
func (s GatewayStatus) Negative() bool {
	return s == GatewayStatusFailed || s == GatewayStatusCancelled || s == GatewayStatusExpired
}

// PaymentStatus возвращает терминальный статус попытки для наблюдения.
func (s GatewayStatus) PaymentStatus() PaymentStatus {
	switch s {
	case GatewayStatusCompleted:
		return PaymentStatusCompleted
	case GatewayStatusFailed:
		return PaymentStatusFailed
	case GatewayStatusCancelled:
		return PaymentStatusCancelled
	case GatewayStatusExpired:
		return PaymentStatusExpired
	default:
		return PaymentStatusPending
	}
}

// OrderStatus возвращает статус заказа, к которому приводит терминальное наблюдение.
func (s GatewayStatus) OrderStatus() OrderStatus {
	switch s {
	case GatewayStatusCompleted:
		return OrderStatusPaid
	case GatewayStatusCancelled:
		return OrderStatusCancelled
	case GatewayStatusFailed, GatewayStatusExpired:
		return OrderStatusFailed
	default:
		return OrderStatusPending
	}
}

// NormalizeGatewayStatus переводит словарь шлюза во внутренний enum.
// Неизвестные значения считаются UNKNOWN и обрабатываются как PENDING.
func NormalizeGatewayStatus(raw string) GatewayStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "COMPLETE", "SUCCESS", "PAID":
		return GatewayStatusCompleted
	case "FAILED", "INVALID", "REVERSED", "DECLINED":
		return GatewayStatusFailed
	case "CANCELLED", "CANCELED":
		return GatewayStatusCancelled
	case "EXPIRED":
		return GatewayStatusExpired
	case "PENDING", "IN_PROGRESS", "PROCESSING", "INITIATED":
		return GatewayStatusPending
	default:
		return GatewayStatusUnknown
	}
}

// NormalizePaymentMethod приводит описание способа оплаты к enum.
func NormalizePaymentMethod(raw string) PaymentMethod {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case upper == "":
		return ""
	case strings.Contains(upper, "MPESA"), strings.Contains(upper, "M-PESA"):
		return PaymentMethodMPesa
	case strings.Contains(upper, "VISA"):
		return PaymentMethodVisa
	case strings.Contains(upper, "MASTERCARD"):
		return PaymentMethodMastercard
	case strings.Contains(upper, "AMEX"), strings.Contains(upper, "AMERICAN EXPRESS"):
		return PaymentMethodAmex
	case strings.Contains(upper, "MOBILE MONEY"), strings.Contains(upper, "MOBILE_MONEY"):
		return PaymentMethodMobileMoney
	case strings.Contains(upper, "BANK"):
		return PaymentMethodBank
	default:
		return PaymentMethodUnknown
	}
}

// ObservationSource — откуда пришло наблюдение статуса.
type ObservationSource string

const (
	SourceWebhook    ObservationSource = "webhook"
	SourcePoll       ObservationSource = "poll"
	SourceSweep      ObservationSource = "sweep"
	SourceClient     ObservationSource = "client"
	SourceInitiation ObservationSource = "initiation"
)

// Observation — один наблюдённый статус платежа.
type Observation struct {
	Status GatewayStatus
	// RawStatus — статус в словаре шлюза, для журнала.
	RawStatus  string
	TrackingID string
	// Amount — сумма в основных единицах валюты, как её вернул шлюз.
	Amount           decimal.NullDecimal
	Currency         string
	PaymentMethod    PaymentMethod
	PaymentReference string
	Description      string
	// FailureReason — причина для отрицательного исхода, если её знает источник.
	FailureReason string
	// Verified — наблюдение получено прямым запросом к шлюзу, а не из push-уведомления.
	Verified bool
	// Payload — исходное тело уведомления/ответа для журнала.
	Payload []byte
}
