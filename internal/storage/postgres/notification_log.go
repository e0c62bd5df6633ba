package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

type notificationLog struct {
	c conn
}

// Append пишет строку журнала; дубликаты уведомлений сохраняются как есть.
func (l notificationLog) Append(ctx context.Context, entry domain.NotificationLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	_, err := l.c.q.ExecContext(ctx, `
		INSERT INTO notification_log (
			id, order_id, tracking_id, source, observed_status, raw_status, outcome, payload, detail, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		entry.ID,
		entry.OrderID,
		entry.TrackingID,
		string(entry.Source),
		string(entry.ObservedStatus),
		entry.RawStatus,
		string(entry.Outcome),
		entry.Payload,
		entry.Detail,
		entry.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

func (l notificationLog) List(ctx context.Context, orderID string) ([]domain.NotificationLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.c.q.QueryContext(ctx, `
		SELECT id, order_id, tracking_id, source, observed_status, raw_status, outcome, payload, detail, received_at
		FROM notification_log
		WHERE order_id = $1
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	result := make([]domain.NotificationLogEntry, 0)
	for rows.Next() {
		var (
			entry                     domain.NotificationLogEntry
			source, observed, outcome string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.OrderID,
			&entry.TrackingID,
			&source,
			&observed,
			&entry.RawStatus,
			&outcome,
			&entry.Payload,
			&entry.Detail,
			&entry.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		entry.Source = domain.ObservationSource(source)
		entry.ObservedStatus = domain.GatewayStatus(observed)
		entry.Outcome = domain.NotificationOutcome(outcome)
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification log: %w", err)
	}
	return result, nil
}

var _ domain.NotificationLog = notificationLog{}
