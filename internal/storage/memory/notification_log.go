package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type notificationLog struct {
	v view
}

// Append добавляет строку журнала. Журнал пишется и для неизвестных tracking id,
// такие строки хранятся под пустым OrderID.
func (l notificationLog) Append(_ context.Context, entry domain.NotificationLogEntry) error {
	defer l.v.lock()()
	s := l.v.s

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)

	prev := s.notifications[entry.OrderID]
	s.notifications[entry.OrderID] = append(append([]domain.NotificationLogEntry(nil), prev...), entry)

	l.v.onRollback(func() { s.notifications[entry.OrderID] = prev })
	return nil
}

func (l notificationLog) List(_ context.Context, orderID string) ([]domain.NotificationLogEntry, error) {
	defer l.v.lock()()
	return append([]domain.NotificationLogEntry(nil), l.v.s.notifications[orderID]...), nil
}

var _ domain.NotificationLog = notificationLog{}
