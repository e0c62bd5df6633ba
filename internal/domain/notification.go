package domain

import "time"

// NotificationOutcome — чем закончилась обработка наблюдения.
type NotificationOutcome string

const (
	OutcomeApplied         NotificationOutcome = "applied"
	OutcomeIgnoredTerminal NotificationOutcome = "ignored_terminal"
	OutcomeConflict        NotificationOutcome = "conflict"
	OutcomeRejected        NotificationOutcome = "rejected"
	OutcomeError           NotificationOutcome = "error"
	OutcomeUnknownTracking NotificationOutcome = "unknown_tracking"
	OutcomeReceived        NotificationOutcome = "received"
)

// Типы событий transactional outbox.
const (
	AggregateTypeOrder = "order"
	// EventTypePaymentSettled: заказ оплачен, единицы проданы. Payload содержит SettledOrder.
	EventTypePaymentSettled = "payment.settled"
)

// NotificationLogEntry — строка журнала уведомлений, одна на каждый webhook или опрос шлюза.
type NotificationLogEntry struct {
	ID             string
	OrderID        string
	TrackingID     string
	Source         ObservationSource
	ObservedStatus GatewayStatus
	RawStatus      string
	Outcome        NotificationOutcome
	Payload        []byte
	Detail         string
	ReceivedAt     time.Time
}
