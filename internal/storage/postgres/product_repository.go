package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const productColumns = `id, seller_id, title, price_minor, currency, stock_quantity, active, created_at, updated_at`

// productRepository — чтение каталога и изменение стока.
type productRepository struct {
	store *Store
	q     querier
	inTx  bool
}

// FindProduct возвращает товар; внутри транзакции строка блокируется до её конца.
func (r *productRepository) FindProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}

	var p domain.Product
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.SellerID, &p.Title, &p.PriceMinor, &p.Currency,
		&p.StockQuantity, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound.WithSubject(id)
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// SetStock выставляет остаток условным UPDATE относительно заблокированного значения
// и пишет запись в stock_movements.
func (r *productRepository) SetStock(ctx context.Context, id string, newQuantity int32, actorID string) (domain.Product, error) {
	if !r.inTx {
		var product domain.Product
		err := r.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			product, err = tx.Products().SetStock(ctx, id, newQuantity, actorID)
			return err
		})
		return product, err
	}

	if newQuantity < 0 {
		return domain.Product{}, domain.ErrInsufficientStock.WithSubject(id)
	}

	current, err := r.FindProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2,
		    updated_at = clock_timestamp()
		WHERE id = $1
		  AND stock_quantity = $3
	`, id, newQuantity, current.StockQuantity)
	if err != nil {
		if isCheckViolation(err) {
			return domain.Product{}, domain.ErrInsufficientStock.WithSubject(id)
		}
		return domain.Product{}, fmt.Errorf("update product stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Product{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Product{}, domain.NewError(domain.KindConflict, "stock changed concurrently").WithSubject(id)
	}

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_movements (product_id, previous_quantity, current_quantity, actor_id, occurred_at)
		VALUES ($1,$2,$3,$4,clock_timestamp())
	`, id, current.StockQuantity, newQuantity, actorID); err != nil {
		return domain.Product{}, fmt.Errorf("insert stock movement: %w", err)
	}

	current.StockQuantity = newQuantity
	return current, nil
}

// UpsertProduct добавляет или заменяет товар каталога.
func (r *productRepository) UpsertProduct(ctx context.Context, p domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO products (
			id, seller_id, title, price_minor, currency, stock_quantity, active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		ON CONFLICT (id) DO UPDATE
		SET seller_id = EXCLUDED.seller_id,
		    title = EXCLUDED.title,
		    price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    stock_quantity = EXCLUDED.stock_quantity,
		    active = EXCLUDED.active,
		    updated_at = now()
	`, p.ID, p.SellerID, p.Title, p.PriceMinor, p.Currency, p.StockQuantity, p.Active)
	if err != nil {
		if isCheckViolation(err) {
			return domain.ErrInsufficientStock.WithSubject(p.ID)
		}
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// StockMovements возвращает аудит изменений стока товара, старые первыми.
func (s *Store) StockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryAll(ctx, s.db, "stock movements", func(row rowScanner) (domain.StockMovement, error) {
		var m domain.StockMovement
		err := row.Scan(&m.ProductID, &m.Previous, &m.Current, &m.ActorID, &m.Occurred)
		m.Occurred = m.Occurred.UTC()
		return m, err
	}, `
		SELECT product_id, previous_quantity, current_quantity, actor_id, occurred_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, productID)
}

var _ domain.ProductDirectory = (*productRepository)(nil)
