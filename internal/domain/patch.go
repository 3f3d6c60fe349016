package domain

import "slices"

// Имена изменяемых полей заказа в том виде, в котором они приходят от клиента.
const (
	FieldStatus          = "status"
	FieldShippingAddress = "shippingAddress"
	FieldZipCode         = "zipCode"
	FieldPaymentID       = "paymentId"
	FieldNotes           = "notes"
)

// PatchableFields перечисляет поля, которые вообще можно менять после создания.
var PatchableFields = []string{
	FieldStatus,
	FieldShippingAddress,
	FieldZipCode,
	FieldPaymentID,
	FieldNotes,
}

// OrderPatch — частичное изменение заказа. nil означает «поле не передано».
// Malformed и Unknown хранят то, что клиент прислал, но применить нельзя:
// такие поля участвуют в проверке прав наравне с остальными и отклоняются
// только в Validate.
type OrderPatch struct {
	Status          *OrderStatus
	ShippingAddress *string
	ZipCode         *string
	PaymentID       *string
	Notes           *string

	// Malformed — известные поля со значением неверного типа.
	Malformed []string
	// Unknown — поля, которых нет в PatchableFields.
	Unknown []string
	// NotObject отмечает тело патча, которое не является JSON-объектом.
	NotObject bool
}

// Fields возвращает имена переданных полей: известные в порядке PatchableFields,
// затем неизвестные в порядке Unknown.
func (p OrderPatch) Fields() []string {
	fields := make([]string, 0, len(PatchableFields)+len(p.Unknown))
	for _, name := range PatchableFields {
		if p.has(name) || slices.Contains(p.Malformed, name) {
			fields = append(fields, name)
		}
	}
	return append(fields, p.Unknown...)
}

func (p OrderPatch) has(name string) bool {
	switch name {
	case FieldStatus:
		return p.Status != nil
	case FieldShippingAddress:
		return p.ShippingAddress != nil
	case FieldZipCode:
		return p.ZipCode != nil
	case FieldPaymentID:
		return p.PaymentID != nil
	case FieldNotes:
		return p.Notes != nil
	}
	return false
}

// Empty сообщает, что патч ничего не меняет.
func (p OrderPatch) Empty() bool {
	return !p.NotObject && len(p.Fields()) == 0
}

// Validate проверяет значения полей патча. Вызывается после проверки прав,
// чтобы отказ в доступе не зависел от содержимого патча.
func (p OrderPatch) Validate() error {
	if p.NotObject {
		return ErrPatchNotObject
	}
	if len(p.Unknown) > 0 {
		e := *ErrUnknownField
		e.Fields = slices.Clone(p.Unknown)
		return &e
	}
	if len(p.Malformed) > 0 {
		e := *ErrFieldNotString
		e.Fields = slices.Clone(p.Malformed)
		return &e
	}
	if p.Status != nil && !p.Status.Valid() {
		return ErrStatusInvalid.WithSubject(string(*p.Status))
	}
	return nil
}

// Apply переносит переданные поля на заказ.
func (p OrderPatch) Apply(order *Order) {
	if p.Status != nil {
		order.Status = *p.Status
	}
	if p.ShippingAddress != nil {
		order.ShippingAddress = *p.ShippingAddress
	}
	if p.ZipCode != nil {
		order.ZipCode = *p.ZipCode
	}
	if p.PaymentID != nil {
		order.PaymentID = *p.PaymentID
	}
	if p.Notes != nil {
		order.Notes = *p.Notes
	}
}
