package grpcsvc

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var jsonNull = []byte("null")

// decodePatch разбирает JSON-объект патча. Ошибок разбора не возвращает:
// не-объект, неизвестные поля и значения неверного типа переносятся в патч,
// чтобы движок сначала проверил права, а затем содержимое.
// null в текстовом поле очищает значение.
func decodePatch(raw json.RawMessage) (domain.OrderPatch, error) {
	var patch domain.OrderPatch

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return patch, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		patch.NotObject = true
		return patch, nil
	}

	for _, name := range slices.Sorted(maps.Keys(fields)) {
		var target **string
		switch name {
		case domain.FieldStatus:
			value, ok := decodeString(fields[name])
			if !ok || value == nil {
				patch.Malformed = append(patch.Malformed, name)
				continue
			}
			status := domain.OrderStatus(*value)
			patch.Status = &status
			continue
		case domain.FieldShippingAddress:
			target = &patch.ShippingAddress
		case domain.FieldZipCode:
			target = &patch.ZipCode
		case domain.FieldPaymentID:
			target = &patch.PaymentID
		case domain.FieldNotes:
			target = &patch.Notes
		default:
			patch.Unknown = append(patch.Unknown, name)
			continue
		}

		value, ok := decodeString(fields[name])
		if !ok {
			patch.Malformed = append(patch.Malformed, name)
			continue
		}
		if value == nil {
			empty := ""
			value = &empty
		}
		*target = value
	}

	return patch, nil
}

// decodeString возвращает nil для JSON null и false для не-строки.
func decodeString(raw json.RawMessage) (*string, bool) {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return nil, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}
