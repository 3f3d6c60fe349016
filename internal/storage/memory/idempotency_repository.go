package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// IdempotencyKeys хранит ключи идемпотентности gRPC-запросов.
// Ключи живут отдельно от единиц работы заказов: ответ фиксируется после коммита.
type IdempotencyKeys struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() *IdempotencyKeys {
	return &IdempotencyKeys{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы; нужен тестам TTL.
func (k *IdempotencyKeys) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

// CreateProcessing занимает ключ. Просроченную запись заменяет новой.
func (k *IdempotencyKeys) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	record, err := domain.NewIdempotencyRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if existing, ok := k.records[record.Key]; ok && !existing.Expired(now) {
		return cloneRecord(existing), existing.Reuse(record.RequestHash)
	}

	k.records[record.Key] = record
	return cloneRecord(record), nil
}

// Get возвращает запись по ключу, в том числе просроченную, пока её не удалила очистка.
func (k *IdempotencyKeys) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	record, ok := k.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneRecord(record), nil
}

func (k *IdempotencyKeys) MarkDone(_ context.Context, key string, responseBody []byte, resultCode int) error {
	return k.finish(key, domain.IdempotencyStatusDone, responseBody, resultCode)
}

func (k *IdempotencyKeys) MarkFailed(_ context.Context, key string, responseBody []byte, resultCode int) error {
	return k.finish(key, domain.IdempotencyStatusFailed, responseBody, resultCode)
}

// DeleteExpired удаляет до limit записей с ttl не позже before, начиная с самых старых.
func (k *IdempotencyKeys) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if before.IsZero() {
		before = k.now()
	}

	var expired []domain.IdempotencyRecord
	for _, record := range k.records {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	for _, record := range expired {
		delete(k.records, record.Key)
	}
	return len(expired), nil
}

func (k *IdempotencyKeys) finish(key string, status domain.IdempotencyStatus, responseBody []byte, resultCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	record, ok := k.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.ResponseBody = slices.Clone(responseBody)
	record.ResultCode = resultCode
	record.UpdatedAt = k.now()
	k.records[key] = record
	return nil
}

func cloneRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = slices.Clone(src.ResponseBody)
	return dst
}

var _ domain.IdempotencyRepository = (*IdempotencyKeys)(nil)
