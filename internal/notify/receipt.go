// Package notify доставляет события о расчёте внешнему получателю (чеки, SMS/WhatsApp).
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// ErrNotPaid — чек формируется только для оплаченного заказа.
var ErrNotPaid = errors.New("receipt requires a paid order")

// ReceiptLine — строка чека.
type ReceiptLine struct {
	UnitID    string          `json:"unit_id"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// Receipt — чек по оплаченному заказу.
type Receipt struct {
	OrderID          string               `json:"order_id"`
	CustomerID       string               `json:"customer_id"`
	Currency         string               `json:"currency"`
	Lines            []ReceiptLine        `json:"lines"`
	Total            decimal.Decimal      `json:"total"`
	PaymentMethod    domain.PaymentMethod `json:"payment_method"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	TrackingID       string               `json:"tracking_id"`
	PaidAt           time.Time            `json:"paid_at"`
}

// BuildReceipt собирает чек. Отказывает для заказа не в статусе PAID.
func BuildReceipt(order domain.Order, payment domain.PaymentAttempt) (Receipt, error) {
	if order.Status != domain.OrderStatusPaid {
		return Receipt{}, fmt.Errorf("%w: order %s is %s", ErrNotPaid, order.ID, order.Status)
	}

	receipt := Receipt{
		OrderID:          order.ID,
		CustomerID:       order.CustomerID,
		Currency:         order.Currency,
		Lines:            make([]ReceiptLine, 0, len(order.Items)),
		Total:            minorToMajor(order.TotalMinor),
		PaymentMethod:    payment.PaymentMethod,
		PaymentReference: payment.PaymentReference,
		TrackingID:       payment.TrackingID,
		PaidAt:           payment.CompletedAt,
	}
	for _, item := range order.Items {
		price := minorToMajor(item.UnitPriceMinor)
		receipt.Lines = append(receipt.Lines, ReceiptLine{
			UnitID:    item.UnitID,
			Quantity:  item.Quantity,
			UnitPrice: price,
			Amount:    price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return receipt, nil
}

// Text возвращает чек в виде текста для SMS/WhatsApp.
func (r Receipt) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Receipt for order %s\n", r.OrderID)
	for _, line := range r.Lines {
		fmt.Fprintf(&b, "%s x%d @ %s = %s %s\n",
			line.UnitID, line.Quantity, line.UnitPrice.StringFixed(2), line.Amount.StringFixed(2), r.Currency)
	}
	fmt.Fprintf(&b, "Total: %s %s\n", r.Total.StringFixed(2), r.Currency)
	fmt.Fprintf(&b, "Paid by %s", r.PaymentMethod)
	if r.PaymentReference != "" {
		fmt.Fprintf(&b, " (ref %s)", r.PaymentReference)
	}
	if !r.PaidAt.IsZero() {
		fmt.Fprintf(&b, " at %s", r.PaidAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func minorToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
