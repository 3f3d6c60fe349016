package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus — стадия обработки запроса, занявшего ключ:
// processing до ответа, затем done или failed вместе с сохранённым ответом.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

var idempotencyStatuses = []IdempotencyStatus{IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool { return slices.Contains(idempotencyStatuses, s) }

// IdempotencyRecord — ключ идемпотентности CreateOrder: хэш тела запроса
// и, после завершения, ответ, который получат повторы.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	ResultCode   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")

	// Повтор с тем же телом запроса.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// Тот же ключ, но другое тело запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsIdempotencyConflict сообщает, что ключ уже занят другим или тем же запросом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// NewIdempotencyRecord нормализует ключ и хэш запроса и открывает запись в статусе processing.
func NewIdempotencyRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	case requestHash == "":
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что ключ больше не защищает от повторов.
// Просроченную запись новый запрос перезаписывает, не дожидаясь очистки.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Reuse классифицирует повторный запрос с уже занятым ключом.
func (r IdempotencyRecord) Reuse(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
