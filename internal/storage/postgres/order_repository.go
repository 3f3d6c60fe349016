package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const orderColumns = `id, buyer_id, status, currency, amount_minor, shipping_address, zip_code,
	payment_id, notes, version, created_at, updated_at`

// orderRepository работает либо поверх пула, либо поверх транзакции (inTx).
// Записи вне транзакции выполняются отдельной единицей работы.
type orderRepository struct {
	store *Store
	q     querier
	inTx  bool
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	if !r.inTx {
		return r.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.Orders().Create(ctx, order)
		})
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, status, currency, amount_minor, shipping_address, zip_code,
			payment_id, notes, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,clock_timestamp(),clock_timestamp())
	`,
		order.ID, order.BuyerID, string(order.Status), order.Currency, order.AmountMinor,
		order.ShippingAddress, order.ZipCode, order.PaymentID, order.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict.WithSubject(order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, qty, price_minor, currency, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,clock_timestamp())
		`,
			item.ID, order.ID, item.ProductID, item.Qty, item.PriceMinor, item.Currency,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

// Get возвращает заголовок заказа. Внутри транзакции строка блокируется,
// поэтому параллельные отмены одного заказа выполняются по очереди.
func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}

	order, err := scanOrder(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound.WithSubject(id)
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		conditions []string
		args       []any
	)
	if filter.BuyerID != "" {
		args = append(args, filter.BuyerID)
		conditions = append(conditions, "buyer_id = $"+strconv.Itoa(len(args)))
	}
	if filter.IDs != nil {
		args = append(args, filter.IDs)
		conditions = append(conditions, "id = ANY($"+strconv.Itoa(len(args))+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	return queryAll(ctx, r.q, "orders", scanOrder, query, args...)
}

// ListItems возвращает позиции вместе с товаром; фильтр по продавцу
// использует индексы products(seller_id) и order_items(product_id).
func (r *orderRepository) ListItems(ctx context.Context, filter domain.ItemFilter) ([]domain.OrderItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		conditions []string
		args       []any
	)
	if filter.OrderIDs != nil {
		args = append(args, filter.OrderIDs)
		conditions = append(conditions, "oi.order_id = ANY($"+strconv.Itoa(len(args))+")")
	}
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		conditions = append(conditions, "p.seller_id = $"+strconv.Itoa(len(args)))
	}

	query := `
		SELECT oi.id, oi.order_id, oi.product_id, oi.qty, oi.price_minor, oi.currency, oi.created_at,
		       p.id, p.title, p.seller_id
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		LEFT JOIN products p ON p.id = oi.product_id`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY o.created_at DESC, o.id DESC, oi.created_at ASC, oi.id ASC`

	return queryAll(ctx, r.q, "order items", scanOrderItem, query, args...)
}

// Save обновляет изменяемые поля заголовка с проверкой версии.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	if !r.inTx {
		return r.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.Orders().Save(ctx, order)
		})
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    shipping_address = $2,
		    zip_code = $3,
		    payment_id = $4,
		    notes = $5,
		    version = version + 1,
		    updated_at = clock_timestamp()
		WHERE id = $6
		  AND version = $7
	`,
		string(order.Status),
		order.ShippingAddress,
		order.ZipCode,
		order.PaymentID,
		order.Notes,
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound.WithSubject(order.ID)
		}
		return domain.ErrOrderVersionConflict.WithSubject(order.ID)
	}

	return nil
}

func (r *orderRepository) orderExists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func scanOrderItem(row rowScanner) (domain.OrderItem, error) {
	var (
		item                     domain.OrderItem
		productID, title, seller sql.NullString
	)
	if err := row.Scan(
		&item.ID, &item.OrderID, &item.ProductID, &item.Qty, &item.PriceMinor, &item.Currency, &item.CreatedAt,
		&productID, &title, &seller,
	); err != nil {
		return domain.OrderItem{}, err
	}
	if productID.Valid {
		item.Product = &domain.ProductRef{ID: productID.String, Title: title.String, SellerID: seller.String}
	}
	return item, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := row.Scan(
		&order.ID, &order.BuyerID, &status, &order.Currency, &order.AmountMinor,
		&order.ShippingAddress, &order.ZipCode, &order.PaymentID, &order.Notes,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
