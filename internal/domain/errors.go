package domain

import (
	"errors"
	"strings"
)

// ErrorKind классифицирует ошибки бизнес-операций.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindNotFound        ErrorKind = "not_found"
	KindForbidden       ErrorKind = "forbidden"
	KindUnprocessable   ErrorKind = "unprocessable"
	KindInvalidState    ErrorKind = "invalid_state"
	// KindConflict означает конфликт версий при параллельной записи, наружу отдаётся как retryable.
	KindConflict ErrorKind = "conflict"
)

// Error — классифицированная ошибка домена.
//
// errors.Is сравнивает ошибки по Kind, а если у цели задан Message, то и по нему.
// Поэтому ErrForbidden совпадает с любым отказом в доступе,
// а ErrInsufficientStock только с нехваткой стока.
type Error struct {
	Kind    ErrorKind
	Message string
	// Subject содержит идентификатор объекта ошибки, например product_id.
	Subject string
	// Fields перечисляет поля, к которым относится ошибка.
	Fields []string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Fields) > 0 {
		msg += ": " + strings.Join(e.Fields, ", ")
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	return msg
}

// Is реализует сравнение по виду и сообщению.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// WithSubject возвращает копию ошибки с привязкой к объекту.
func (e *Error) WithSubject(subject string) *Error {
	cp := *e
	cp.Subject = subject
	return &cp
}

// NewError создаёт классифицированную ошибку.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf возвращает вид ошибки или пустую строку для неклассифицированных ошибок.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ForbiddenFields формирует отказ в изменении перечисленных полей.
func ForbiddenFields(fields []string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Message: "not allowed to update fields",
		Fields:  append([]string(nil), fields...),
	}
}

var (
	// Ошибки-виды: совпадают с любой ошибкой своего вида.
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrUnprocessable   = &Error{Kind: KindUnprocessable}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrConflict        = &Error{Kind: KindConflict}

	ErrItemsRequired     = NewError(KindInvalidArgument, "order must contain at least one item")
	ErrProductIDRequired = NewError(KindInvalidArgument, "product_id is required")
	// Количество товара должно быть положительным.
	ErrItemQtyInvalid  = NewError(KindInvalidArgument, "item qty must be greater than zero")
	ErrOrderIDRequired = NewError(KindInvalidArgument, "order_id is required")
	ErrStatusInvalid   = NewError(KindInvalidArgument, "status is invalid")
	ErrUnknownField    = NewError(KindInvalidArgument, "unknown field")
	ErrFieldNotString  = NewError(KindInvalidArgument, "field must be a string")
	ErrPatchNotObject  = NewError(KindInvalidArgument, "patch must be a JSON object")

	// Ошибки инвариантов нового заказа.
	ErrBuyerRequired    = NewError(KindInvalidArgument, "buyer_id is required")
	ErrCurrencyRequired = NewError(KindInvalidArgument, "currency is required")
	ErrAmountNegative   = NewError(KindInvalidArgument, "amount_minor must be non-negative")
	ErrItemPriceInvalid = NewError(KindInvalidArgument, "item price must be non-negative")
	ErrAmountMismatch   = NewError(KindInvalidArgument, "order amount does not match items sum")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = NewError(KindNotFound, "order not found")
	// ErrProductNotFound возвращается каталогом, если товара нет.
	ErrProductNotFound = NewError(KindNotFound, "product not found")

	// ErrOrderAccessDenied возвращается, если запрашивающий не владелец заказа и не администратор.
	ErrOrderAccessDenied  = NewError(KindForbidden, "not allowed to access this order")
	ErrSellerAccessDenied = NewError(KindForbidden, "not allowed to list orders of this seller")

	// ErrProductUnavailable — товар отсутствует или снят с продажи.
	ErrProductUnavailable = NewError(KindUnprocessable, "product unavailable")
	// ErrInsufficientStock возвращается, если на складе меньше, чем запрошено.
	ErrInsufficientStock = NewError(KindUnprocessable, "insufficient stock")
	ErrCurrencyMismatch  = NewError(KindUnprocessable, "currency mismatch")
	// ErrAmountOverflow возвращается, если сумма заказа не помещается в int64.
	ErrAmountOverflow = NewError(KindUnprocessable, "order amount overflows")

	// Отмена разрешена только из pending, paid и processing.
	ErrOrderNotCancellable = NewError(KindInvalidState, "cannot cancel an order in this status")

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = NewError(KindConflict, "order version conflict")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
