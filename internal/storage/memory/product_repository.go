package memory

import (
	"context"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// txProducts — каталог товаров внутри единицы работы. Блокировка строк
// не нужна: единица работы уже держит мьютекс store на запись.
type txProducts struct {
	t *txn
}

// FindProduct возвращает товар, в том числе неактивный.
func (r txProducts) FindProduct(_ context.Context, id string) (domain.Product, error) {
	product, ok := r.t.product(id)
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound.WithSubject(id)
	}
	return product, nil
}

// SetStock выставляет остаток и пишет запись аудита.
func (r txProducts) SetStock(_ context.Context, id string, newQuantity int32, actorID string) (domain.Product, error) {
	product, ok := r.t.product(id)
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound.WithSubject(id)
	}
	if newQuantity < 0 {
		return domain.Product{}, domain.ErrInsufficientStock.WithSubject(id)
	}

	r.t.movements = append(r.t.movements, domain.StockMovement{
		ProductID: id,
		Previous:  product.StockQuantity,
		Current:   newQuantity,
		ActorID:   actorID,
		Occurred:  r.t.now,
	})

	product.StockQuantity = newQuantity
	product.UpdatedAt = r.t.now
	r.t.products[id] = product
	return product, nil
}

// UpsertProduct добавляет или заменяет товар каталога.
func (r txProducts) UpsertProduct(_ context.Context, product domain.Product) error {
	if current, ok := r.t.product(product.ID); ok {
		product.CreatedAt = current.CreatedAt
	} else {
		product.CreatedAt = r.t.now
	}
	product.UpdatedAt = r.t.now
	r.t.products[product.ID] = product
	return nil
}

type storeProducts struct {
	s *Store
}

func (r storeProducts) FindProduct(ctx context.Context, id string) (product domain.Product, err error) {
	err = r.s.view(func(t *txn) error {
		product, err = txProducts{t: t}.FindProduct(ctx, id)
		return err
	})
	return product, err
}

func (r storeProducts) SetStock(ctx context.Context, id string, newQuantity int32, actorID string) (product domain.Product, err error) {
	err = r.s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, err = tx.Products().SetStock(ctx, id, newQuantity, actorID)
		return err
	})
	return product, err
}

// UpsertProduct добавляет или заменяет товар каталога.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	return s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return txProducts{t: tx.(*txn)}.UpsertProduct(ctx, product)
	})
}

// StockMovements возвращает историю изменений стока товара.
func (s *Store) StockMovements(productID string) []domain.StockMovement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0)
	for _, m := range s.state.movements {
		if m.ProductID == productID {
			result = append(result, m)
		}
	}
	return result
}

var (
	_ domain.ProductDirectory = txProducts{}
	_ domain.ProductDirectory = storeProducts{}
	_ domain.ProductCatalog   = (*Store)(nil)
)
