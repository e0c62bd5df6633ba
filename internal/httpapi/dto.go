package httpapi

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
)

type createOrderItem struct {
	UnitID         string `json:"unit_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type createOrderRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     string            `json:"customer_id"`
	Currency       string            `json:"currency"`
	Items          []createOrderItem `json:"items"`
	TotalMinor     int64             `json:"total_minor"`
}

type initiatePaymentRequest struct {
	CallbackURL string           `json:"callback_url"`
	Customer    gateway.Customer `json:"customer"`
}

type initiatePaymentResponse struct {
	RedirectURL string `json:"redirect_url"`
	TrackingID  string `json:"tracking_id"`
	AttemptID   string `json:"attempt_id"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expires_at"`
	Reused      bool   `json:"reused"`
}

func newInitiatePaymentResponse(in payment.Initiation) initiatePaymentResponse {
	return initiatePaymentResponse{
		RedirectURL: in.RedirectURL,
		TrackingID:  in.TrackingID,
		AttemptID:   in.Attempt.ID,
		Status:      string(in.Attempt.Status),
		ExpiresAt:   in.Attempt.ExpiresAt.UTC().Format(time.RFC3339),
		Reused:      in.Reused,
	}
}

// paymentStatusResponse — статус оплаты заказа для клиента.
type paymentStatusResponse struct {
	Status               string     `json:"status"`
	OrderStatus          string     `json:"order_status"`
	TrackingID           string     `json:"tracking_id,omitempty"`
	Amount               string     `json:"amount"`
	Currency             string     `json:"currency"`
	PaymentMethod        string     `json:"payment_method,omitempty"`
	PaymentReference     string     `json:"payment_reference,omitempty"`
	RedirectURL          string     `json:"redirect_url,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	InitiatedAt          *time.Time `json:"initiated_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	Verified             bool       `json:"verified"`
	NotificationReceived bool       `json:"notification_received"`
}

const statusNoPayment = "NONE"

func newPaymentStatusResponse(order domain.Order, attempt *domain.PaymentAttempt) paymentStatusResponse {
	resp := paymentStatusResponse{
		Status:      statusNoPayment,
		OrderStatus: string(order.Status),
		Amount:      decimal.New(order.TotalMinor, -2).StringFixed(2),
		Currency:    order.Currency,
	}
	if attempt == nil {
		return resp
	}

	resp.Status = string(attempt.Status)
	resp.TrackingID = attempt.TrackingID
	resp.Amount = decimal.New(attempt.AmountMinor, -2).StringFixed(2)
	resp.Currency = attempt.Currency
	resp.PaymentMethod = string(attempt.PaymentMethod)
	resp.PaymentReference = attempt.PaymentReference
	resp.FailureReason = attempt.FailureReason
	resp.Verified = attempt.Verified
	resp.NotificationReceived = attempt.NotificationReceived
	if attempt.Active() {
		resp.RedirectURL = attempt.RedirectURL
	}
	resp.InitiatedAt = timePtr(attempt.InitiatedAt)
	resp.CompletedAt = timePtr(attempt.CompletedAt)
	return resp
}

type unitRequest struct {
	ID              string `json:"id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	SaleStatus      string `json:"sale_status"`
	Stock           int32  `json:"stock"`
	AvailableOnline bool   `json:"available_online"`
}

func (r unitRequest) toDomain() domain.SellableUnit {
	return domain.SellableUnit{
		ID:              r.ID,
		SKU:             r.SKU,
		Name:            r.Name,
		Kind:            domain.UnitKind(strings.ToLower(strings.TrimSpace(r.Kind))),
		SaleStatus:      domain.SaleStatus(strings.ToUpper(strings.TrimSpace(r.SaleStatus))),
		Stock:           r.Stock,
		AvailableOnline: r.AvailableOnline,
	}
}

type unitResponse struct {
	ID              string    `json:"id"`
	SKU             string    `json:"sku"`
	Name            string    `json:"name,omitempty"`
	Kind            string    `json:"kind"`
	SaleStatus      string    `json:"sale_status"`
	Stock           int32     `json:"stock"`
	AvailableOnline bool      `json:"available_online"`
	HeldByOrder     string    `json:"held_by_order,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newUnitResponse(u domain.SellableUnit) unitResponse {
	return unitResponse{
		ID:              u.ID,
		SKU:             u.SKU,
		Name:            u.Name,
		Kind:            string(u.Kind),
		SaleStatus:      string(u.SaleStatus),
		Stock:           u.Stock,
		AvailableOnline: u.AvailableOnline,
		HeldByOrder:     u.HeldByOrder,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type unitStatusRequest struct {
	SaleStatus string `json:"sale_status"`
}

type notificationResponse struct {
	ID             string    `json:"id"`
	TrackingID     string    `json:"tracking_id,omitempty"`
	Source         string    `json:"source"`
	ObservedStatus string    `json:"observed_status"`
	RawStatus      string    `json:"raw_status,omitempty"`
	Outcome        string    `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

func newNotificationResponse(e domain.NotificationLogEntry) notificationResponse {
	return notificationResponse{
		ID:             e.ID,
		TrackingID:     e.TrackingID,
		Source:         string(e.Source),
		ObservedStatus: string(e.ObservedStatus),
		RawStatus:      e.RawStatus,
		Outcome:        string(e.Outcome),
		Detail:         e.Detail,
		ReceivedAt:     e.ReceivedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
