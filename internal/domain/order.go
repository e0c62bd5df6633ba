package domain

import (
	"math"
	"sort"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, единицы зарезервированы, оплата не подтверждена.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid — оплата подтверждена шлюзом, единицы проданы. Терминальный статус.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled — заказ отменён (клиентом или шлюзом), единицы возвращены.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusFailed — оплата не прошла или истекла, единицы возвращены.
	OrderStatusFailed OrderStatus = "FAILED"
)

// Terminal сообщает, что статус больше не меняется.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled || s == OrderStatusFailed
}

// CanTransition проверяет переход: только вперёд из PENDING.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s != OrderStatusPending {
		return false
	}
	return to.Terminal()
}

// OrderLineItem представляет одну позицию заказа.
type OrderLineItem struct {
	ID     string `json:"id"`
	UnitID string `json:"unit_id"`
	// Quantity — 1 для уникальной единицы, больше для пула аксессуаров.
	Quantity int32 `json:"quantity"`
	// UnitPriceMinor — цена на момент заказа в минимальных денежных единицах.
	UnitPriceMinor int64 `json:"unit_price_minor"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID string `json:"id"`
	// IdempotencyKey пустой, если клиент не передал ключ.
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CustomerID     string          `json:"customer_id"`
	Status         OrderStatus     `json:"status"`
	Currency       string          `json:"currency"`
	TotalMinor     int64           `json:"total_minor"`
	Items          []OrderLineItem `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	var calc int64
	overflow := false
	perUnit := make(map[string]int64, len(o.Items))
	for _, item := range o.Items {
		if item.UnitID == "" {
			errs = append(errs, ErrUnitRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		perUnit[item.UnitID] += int64(item.Quantity)

		line, ok := lineAmount(item)
		if !ok || calc > math.MaxInt64-line {
			overflow = true
			continue
		}
		calc += line
	}
	for _, qty := range perUnit {
		// Позиции одной единицы сворачиваются в одну аллокацию int32.
		if qty > math.MaxInt32 {
			errs = append(errs, ErrItemQtyInvalid)
			break
		}
	}
	switch {
	case overflow:
		errs = append(errs, ErrAmountOverflow)
	case calc != o.TotalMinor:
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// lineAmount считает сумму позиции; ok=false при переполнении int64.
func lineAmount(item OrderLineItem) (int64, bool) {
	qty := int64(item.Quantity)
	if qty <= 0 || item.UnitPriceMinor <= 0 {
		return 0, true
	}
	if item.UnitPriceMinor > math.MaxInt64/qty {
		return 0, false
	}
	return qty * item.UnitPriceMinor, true
}

// Allocations сворачивает позиции в запрос к леджеру: одна аллокация на единицу,
// отсортированные по UnitID, чтобы блокировки брались в одном порядке.
func (o *Order) Allocations() []Allocation {
	byUnit := make(map[string]int32, len(o.Items))
	for _, item := range o.Items {
		byUnit[item.UnitID] += item.Quantity
	}

	out := make([]Allocation, 0, len(byUnit))
	for unitID, qty := range byUnit {
		out = append(out, Allocation{
			OrderID:  o.ID,
			UnitID:   unitID,
			Quantity: qty,
			State:    AllocationHeld,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}
