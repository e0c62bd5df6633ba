// Package stub реализует локальный шлюз без внешних вызовов для режима PAYCOORD_GATEWAY_MODE=local.
package stub

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
)

type payment struct {
	reference string
	status    domain.GatewayStatus
	amount    decimal.Decimal
	currency  string
	method    domain.PaymentMethod
}

// Gateway хранит платежи в памяти. Статус меняется через Settle.
type Gateway struct {
	baseURL string

	mu       sync.Mutex
	payments map[string]*payment
	// fail, если задан, возвращается из следующего вызова (для тестов).
	fail error
}

// New создаёт локальный шлюз. Ссылки на платёжную страницу строятся от baseURL.
func New(baseURL string) *Gateway {
	return &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		payments: make(map[string]*payment),
	}
}

func (g *Gateway) Initiate(_ context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure(); err != nil {
		return gateway.InitiateResult{}, err
	}

	trackingID := uuid.NewString()
	g.payments[trackingID] = &payment{
		reference: req.MerchantReference,
		status:    domain.GatewayStatusPending,
		amount:    req.Amount(),
		currency:  req.Currency,
	}
	return gateway.InitiateResult{
		TrackingID:        trackingID,
		RedirectURL:       g.baseURL + "/local-pay/" + trackingID,
		MerchantReference: req.MerchantReference,
	}, nil
}

func (g *Gateway) QueryStatus(_ context.Context, trackingID string) (gateway.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeFailure(); err != nil {
		return gateway.StatusResult{}, err
	}

	p, ok := g.payments[trackingID]
	if !ok {
		return gateway.StatusResult{}, &gateway.Error{Kind: gateway.ErrTrackingUnknown, Op: "stub status"}
	}
	return gateway.StatusResult{
		TrackingID:        trackingID,
		Status:            p.status,
		RawStatus:         string(p.status),
		Amount:            decimal.NewNullDecimal(p.amount),
		Currency:          p.currency,
		PaymentMethod:     p.method,
		MerchantReference: p.reference,
	}, nil
}

// Settle задаёт итоговый статус платежа, как если бы плательщик прошёл страницу.
func (g *Gateway) Settle(trackingID string, status domain.GatewayStatus, method domain.PaymentMethod) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[trackingID]
	if !ok {
		return false
	}
	p.status = status
	p.method = method
	return true
}

// OverrideAmount подменяет сумму, которую вернёт QueryStatus.
func (g *Gateway) OverrideAmount(trackingID string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.payments[trackingID]; ok {
		p.amount = amount
	}
}

// FailNext заставляет следующий вызов вернуть err.
func (g *Gateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *Gateway) takeFailure() error {
	err := g.fail
	g.fail = nil
	return err
}

var _ gateway.Client = (*Gateway)(nil)
