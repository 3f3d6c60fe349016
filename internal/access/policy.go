// Package access содержит чистые правила авторизации для заказов.
// Пакет не хранит состояния и не обращается к хранилищу.
package access

import "github.com/vladislavdragonenkov/marketplace/internal/domain"

// buyerPatchableFields — поля, которые покупатель может менять в своём заказе.
var buyerPatchableFields = map[string]struct{}{
	domain.FieldShippingAddress: {},
	domain.FieldZipCode:         {},
	domain.FieldNotes:           {},
}

// CanViewOrder разрешает доступ владельцу заказа и администратору.
func CanViewOrder(p domain.Principal, order domain.Order) bool {
	if p.IsAdmin() {
		return true
	}
	return p.UserID != "" && p.UserID == order.BuyerID
}

// RequireOrderAccess возвращает ErrOrderAccessDenied, если доступа нет.
func RequireOrderAccess(p domain.Principal, order domain.Order) error {
	if !CanViewOrder(p, order) {
		return domain.ErrOrderAccessDenied.WithSubject(order.ID)
	}
	return nil
}

// DisallowedPatchFields возвращает поля патча, которые принципалу менять нельзя,
// в порядке объявления полей.
func DisallowedPatchFields(p domain.Principal, patch domain.OrderPatch) []string {
	if p.IsAdmin() {
		return nil
	}
	var denied []string
	for _, field := range patch.Fields() {
		if _, ok := buyerPatchableFields[field]; !ok {
			denied = append(denied, field)
		}
	}
	return denied
}

// CheckPatch отклоняет патч с запрещёнными для принципала полями.
func CheckPatch(p domain.Principal, patch domain.OrderPatch) error {
	if denied := DisallowedPatchFields(p, patch); len(denied) > 0 {
		return domain.ForbiddenFields(denied)
	}
	return nil
}

// CanListAll сообщает, видит ли принципал заказы всех покупателей.
func CanListAll(p domain.Principal) bool {
	return p.IsAdmin()
}

// CanViewSellerOrders разрешает продавцу смотреть свои заказы, а администратору любые.
func CanViewSellerOrders(p domain.Principal, sellerID string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.UserID != "" && p.UserID == sellerID
}
