package domain

import (
	"slices"
	"strings"
	"time"
)

// Типы событий жизненного цикла заказа.
const (
	TimelineOrderCreated       = "OrderCreated"
	TimelineOrderUpdated       = "OrderUpdated"
	TimelineOrderStatusChanged = "OrderStatusChanged"
	TimelineOrderCanceled      = "OrderCanceled"
)

var timelineTypes = []string{
	TimelineOrderCreated,
	TimelineOrderUpdated,
	TimelineOrderStatusChanged,
	TimelineOrderCanceled,
}

// ErrTimelineEventInvalid — событие без заказа или с неизвестным типом.
var ErrTimelineEventInvalid = NewError(KindInvalidArgument, "timeline event requires order id and known type")

// TimelineEvent — запись в истории заказа, которую видит владелец.
type TimelineEvent struct {
	OrderID string
	Type    string
	Reason  string
	ActorID string
	// Occurred проставляет хранилище, если оно пустое.
	Occurred time.Time
}

// Validate проверяет событие перед записью в историю.
func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.OrderID) == "" || !slices.Contains(timelineTypes, e.Type) {
		return ErrTimelineEventInvalid.WithSubject(e.Type)
	}
	return nil
}

// SortTimeline упорядочивает события по времени; при равном времени
// сохраняется порядок записи.
func SortTimeline(events []TimelineEvent) {
	slices.SortStableFunc(events, func(a, b TimelineEvent) int {
		return a.Occurred.Compare(b.Occurred)
	})
}
