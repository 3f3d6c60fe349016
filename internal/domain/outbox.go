package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OutboxStatus — состояние события заказа в outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

var (
	ErrOutboxMessageInvalid  = errors.New("invalid outbox message")
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
	// ErrOutboxMessageResolved — событие уже отмечено sent или failed.
	ErrOutboxMessageResolved = errors.New("outbox message already resolved")
)

// Validate проверяет событие перед записью: адресат, тип и JSON-тело обязательны.
func (m OutboxMessage) Validate() error {
	var missing []string
	if strings.TrimSpace(m.AggregateType) == "" {
		missing = append(missing, "aggregate type")
	}
	if strings.TrimSpace(m.AggregateID) == "" {
		missing = append(missing, "aggregate id")
	}
	if strings.TrimSpace(m.EventType) == "" {
		missing = append(missing, "event type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrOutboxMessageInvalid, strings.Join(missing, ", "))
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("%w: %s payload is not JSON", ErrOutboxMessageInvalid, m.EventType)
	}
	return nil
}

// Resolve проверяет переход pending -> sent|failed.
func (s OutboxStatus) Resolve(to OutboxStatus) error {
	if to != OutboxStatusSent && to != OutboxStatusFailed {
		return fmt.Errorf("%w: cannot mark as %q", ErrOutboxMessageInvalid, to)
	}
	if s != OutboxStatusPending {
		return fmt.Errorf("%w: status %s", ErrOutboxMessageResolved, s)
	}
	return nil
}
