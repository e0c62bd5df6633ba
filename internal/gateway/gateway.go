// Package gateway описывает контракт платёжного шлюза и общие для реализаций ошибки.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

var (
	// ErrGatewayAuth — шлюз отверг учётные данные.
	ErrGatewayAuth = errors.New("gateway authentication rejected")
	// ErrGatewayNetwork — таймаут, обрыв соединения или 5xx; можно повторить.
	ErrGatewayNetwork = errors.New("gateway network failure")
	// ErrTrackingUnknown — шлюз не знает tracking id; для попытки это окончательно.
	ErrTrackingUnknown = errors.New("gateway does not know tracking id")
	// ErrGatewayRejected — постоянная 4xx-ошибка на запрос.
	ErrGatewayRejected = errors.New("gateway rejected request")
	// ErrGatewayConfig — не хватает учётных данных или настройки IPN.
	ErrGatewayConfig = errors.New("gateway is not configured")
)

// Client — клиент платёжного шлюза. Без состояния на уровне вызова,
// токены авторизации обновляются прозрачно.
type Client interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	QueryStatus(ctx context.Context, trackingID string) (StatusResult, error)
}

// Customer — данные плательщика для платёжной страницы.
type Customer struct {
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// InitiateRequest — запрос на создание платёжной страницы.
type InitiateRequest struct {
	// MerchantReference — уникальная ссылка мерчанта; у каждой попытки своя.
	MerchantReference string
	OrderID           string
	AmountMinor       int64
	Currency          string
	Description       string
	CallbackURL       string
	CancellationURL   string
	Customer          Customer
}

// Amount возвращает сумму в основных единицах валюты.
func (r InitiateRequest) Amount() decimal.Decimal {
	return decimal.New(r.AmountMinor, -2)
}

// InitiateResult — ответ шлюза на создание платёжной страницы.
type InitiateResult struct {
	TrackingID        string
	RedirectURL       string
	MerchantReference string
}

// StatusResult — авторитетный статус платежа по запросу к шлюзу.
type StatusResult struct {
	TrackingID        string
	Status            domain.GatewayStatus
	RawStatus         string
	Amount            decimal.NullDecimal
	Currency          string
	PaymentMethod     domain.PaymentMethod
	PaymentReference  string
	MerchantReference string
	Description       string
	Raw               []byte
}

// Observation превращает ответ шлюза в проверенное наблюдение.
func (r StatusResult) Observation() domain.Observation {
	return domain.Observation{
		Status:           r.Status,
		RawStatus:        r.RawStatus,
		TrackingID:       r.TrackingID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		PaymentMethod:    r.PaymentMethod,
		PaymentReference: r.PaymentReference,
		Description:      r.Description,
		Verified:         true,
		Payload:          r.Raw,
	}
}

// Error — ошибка вызова шлюза с видом (одна из Err* выше) и деталями ответа.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTransient сообщает, что вызов можно повторить.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayNetwork)
}

// IsPermanent сообщает, что ошибка окончательна для попытки оплаты.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrGatewayAuth) ||
		errors.Is(err, ErrGatewayRejected) ||
		errors.Is(err, ErrTrackingUnknown)
}

// Kind возвращает короткую метку вида ошибки для логов и метрик.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayAuth):
		return "auth"
	case errors.Is(err, ErrGatewayNetwork):
		return "network"
	case errors.Is(err, ErrTrackingUnknown):
		return "tracking_unknown"
	case errors.Is(err, ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, ErrGatewayConfig):
		return "config"
	default:
		return "other"
	}
}
