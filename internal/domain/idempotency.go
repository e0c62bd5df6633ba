package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности HTTP-запроса.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой; ответ тоже сохранён.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит ответ на запрос инициации оплаты с Idempotency-Key.
// Защита создания заказа держится на уникальном ключе в таблице заказов, а не здесь.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired сообщает, что запись пережила TTL и может быть удалена.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !now.Before(r.TTLAt)
}

// Replayable сообщает, что ответ сохранён и может быть отдан повторно.
func (r *IdempotencyRecord) Replayable() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// DefaultIdempotencyTTL применяется, когда срок жизни ключа не задан.
const DefaultIdempotencyTTL = 24 * time.Hour

// NormalizeIdempotencyKey обрезает пробелы и проверяет, что ключ и хэш запроса заданы.
func NormalizeIdempotencyKey(key, requestHash string) (string, string, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	if key == "" {
		return "", "", ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return "", "", ErrIdempotencyRequestHashRequired
	}
	return key, requestHash, nil
}
