package notify

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// LogNotifier формирует чек и пишет его в лог. Используется, пока нет
// реального канала доставки.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier; nil logger заменяется компонентным.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) OnSettled(_ context.Context, settled domain.SettledOrder) error {
	receipt, err := BuildReceipt(settled.Order, settled.Payment)
	if err != nil {
		return err
	}
	n.logger.WithFields(log.Fields{
		"order_id":       receipt.OrderID,
		"customer_id":    receipt.CustomerID,
		"total":          receipt.Total.StringFixed(2),
		"currency":       receipt.Currency,
		"payment_method": receipt.PaymentMethod,
	}).Info(receipt.Text())
	return nil
}

// Dispatcher передаёт события расчёта из outbox в Notifier.
// Используется outbox worker'ом напрямую или consumer'ом Kafka в cmd/notifier.
type Dispatcher struct {
	notifier domain.Notifier
	logger   *log.Entry
}

// NewDispatcher создаёт dispatcher поверх notifier.
func NewDispatcher(notifier domain.Notifier, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.WithField("component", "notify-dispatcher")
	}
	return &Dispatcher{notifier: notifier, logger: logger}
}

// Publish декодирует событие и вызывает Notifier. События других типов пропускаются.
// Ошибка Notifier возвращается вызывающему, чтобы сработали retry и DLQ.
func (d *Dispatcher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	logger := d.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
	})
	if msg.EventType != domain.EventTypePaymentSettled {
		logger.Debug("skipping event without notifier handler")
		return nil
	}

	var settled domain.SettledOrder
	if err := json.Unmarshal(msg.Payload, &settled); err != nil {
		return fmt.Errorf("decode settlement event %s: %w", msg.ID, err)
	}
	if err := d.notifier.OnSettled(ctx, settled); err != nil {
		logger.WithError(err).WithField("order_id", settled.Order.ID).Warn("notifier failed")
		return fmt.Errorf("notify order %s: %w", settled.Order.ID, err)
	}
	return nil
}

var (
	_ domain.Notifier        = (*LogNotifier)(nil)
	_ domain.OutboxPublisher = (*Dispatcher)(nil)
)
