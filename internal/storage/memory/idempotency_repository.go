package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
)

// idempotencyKeys хранит сохранённые ответы инициации оплаты.
type idempotencyKeys struct {
	mu      sync.RWMutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт отдельное in-memory хранилище ключей идемпотентности.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newIdempotencyKeys()
}

func newIdempotencyKeys() *idempotencyKeys {
	return &idempotencyKeys{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (k *idempotencyKeys) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash, err := domain.NormalizeIdempotencyKey(key, requestHash)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if existing, ok := k.records[key]; ok && !existing.Expired(now) {
		if existing.RequestHash != requestHash {
			return withOwnBody(existing), domain.ErrIdempotencyHashMismatch
		}
		return withOwnBody(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}
	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	k.records[key] = record
	return record, nil
}

func (k *idempotencyKeys) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	if key = strings.TrimSpace(key); key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	if record, ok := k.records[key]; ok {
		return withOwnBody(record), nil
	}
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

func (k *idempotencyKeys) MarkDone(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return k.complete(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (k *idempotencyKeys) MarkFailed(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return k.complete(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет записи с TTL не позже before; limit <= 0 снимает ограничение.
func (k *idempotencyKeys) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if before.IsZero() {
		before = k.now()
	}
	removed := 0
	for key, record := range k.records {
		if limit > 0 && removed == limit {
			break
		}
		if record.TTLAt.After(before) {
			continue
		}
		delete(k.records, key)
		removed++
	}
	return removed, nil
}

func (k *idempotencyKeys) complete(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	if key = strings.TrimSpace(key); key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	record, ok := k.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.HTTPStatus = httpStatus
	record.ResponseBody = append([]byte(nil), responseBody...)
	record.UpdatedAt = k.now()
	k.records[key] = record
	return nil
}

func withOwnBody(record domain.IdempotencyRecord) domain.IdempotencyRecord {
	record.ResponseBody = append([]byte(nil), record.ResponseBody...)
	return record
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)
