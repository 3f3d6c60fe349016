package domain

import "time"

// Product — запись каталога, которой владеет продавец.
// Заказы читают её и меняют только сток.
type Product struct {
	ID            string
	SellerID      string
	Title         string
	PriceMinor    int64
	Currency      string
	StockQuantity int32
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ref возвращает краткое описание товара для позиции заказа.
func (p Product) Ref() *ProductRef {
	return &ProductRef{ID: p.ID, Title: p.Title, SellerID: p.SellerID}
}

// StockMovement — запись аудита изменения стока.
type StockMovement struct {
	ProductID string
	Previous  int32
	Current   int32
	ActorID   string
	Occurred  time.Time
}
