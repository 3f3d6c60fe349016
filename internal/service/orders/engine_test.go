package orders_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var (
	buyer    = domain.Principal{UserID: "buyer-1", Role: domain.RoleUser}
	stranger = domain.Principal{UserID: "buyer-2", Role: domain.RoleUser}
	admin    = domain.Principal{UserID: "admin-1", Role: domain.RoleAdmin}
)

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "order-engine-test")
}

type fixture struct {
	store  *memory.Store
	engine *orders.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	engine := orders.NewEngine(store,
		orders.WithLogger(loggerForTests()),
		orders.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	return &fixture{store: store, engine: engine}
}

func (f *fixture) product(t *testing.T, p domain.Product) {
	t.Helper()
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Title == "" {
		p.Title = "Product " + p.ID
	}
	require.NoError(t, f.store.UpsertProduct(context.Background(), p))
}

func (f *fixture) stock(t *testing.T, productID string) int32 {
	t.Helper()
	product, err := f.store.Products().FindProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.StockQuantity
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	all, err := f.store.Orders().List(context.Background(), domain.OrderFilter{})
	require.NoError(t, err)
	return len(all)
}

func cart(items ...orders.ItemInput) orders.CreateInput {
	return orders.CreateInput{Items: items, ShippingAddress: "Lenina 1", ZipCode: "101000"}
}

func line(productID string, qty int32) orders.ItemInput {
	return orders.ItemInput{ProductID: productID, Qty: qty}
}

func ptr[T any](v T) *T { return &v }

func TestEngine_CreateAndCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", SellerID: "seller-a", PriceMinor: 1000, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 2)))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(2000), order.AmountMinor)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, "buyer-1", order.BuyerID)
	assert.Equal(t, "Lenina 1", order.ShippingAddress)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(1000), order.Items[0].PriceMinor)
	require.NotNil(t, order.Items[0].Product)
	assert.Equal(t, "seller-a", order.Items[0].Product.SellerID)
	assert.False(t, order.CreatedAt.IsZero())
	assert.Equal(t, int32(3), f.stock(t, "p1"))

	cancelled, err := f.engine.Cancel(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(2000), cancelled.AmountMinor)
	assert.Equal(t, int32(5), f.stock(t, "p1"))

	_, err = f.engine.Cancel(ctx, buyer, order.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotCancellable)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, int32(5), f.stock(t, "p1"))

	movements := f.store.StockMovements("p1")
	require.Len(t, movements, 2)
	assert.Equal(t, int32(5), movements[0].Previous)
	assert.Equal(t, int32(3), movements[0].Current)
	assert.Equal(t, "buyer-1", movements[1].ActorID)
}

func TestEngine_CreateSnapshotsMultipleItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", SellerID: "seller-a", PriceMinor: 1000, StockQuantity: 5, Active: true})
	f.product(t, domain.Product{ID: "p2", SellerID: "seller-b", PriceMinor: 250, StockQuantity: 10, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1), line("p2", 4), line("p1", 2)))
	require.NoError(t, err)

	assert.Equal(t, int64(1000+4*250+2*1000), order.AmountMinor)
	assert.Len(t, order.Items, 3)
	assert.Equal(t, int32(2), f.stock(t, "p1"))
	assert.Equal(t, int32(6), f.stock(t, "p2"))

	// Цена товара меняется, а снимок в заказе остаётся прежним.
	f.product(t, domain.Product{ID: "p1", SellerID: "seller-a", PriceMinor: 9999, StockQuantity: 2, Active: true})
	reloaded, err := f.engine.FindOne(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), reloaded.Items[0].PriceMinor)
	assert.Equal(t, order.AmountMinor, reloaded.AmountMinor)
}

func TestEngine_CreateDuplicateItemsRespectStock(t *testing.T) {
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 3, Active: true})

	_, err := f.engine.Create(context.Background(), buyer, cart(line("p1", 2), line("p1", 2)))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, int32(3), f.stock(t, "p1"))
	assert.Equal(t, 0, f.orderCount(t))
}

func TestEngine_CreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		p    domain.Principal
		in   orders.CreateInput
		want error
	}{
		{name: "no items", p: buyer, in: cart(), want: domain.ErrItemsRequired},
		{name: "empty product", p: buyer, in: cart(line(" ", 1)), want: domain.ErrProductIDRequired},
		{name: "zero qty", p: buyer, in: cart(line("p1", 0)), want: domain.ErrItemQtyInvalid},
		{name: "negative qty", p: buyer, in: cart(line("p1", -2)), want: domain.ErrItemQtyInvalid},
		{name: "anonymous", p: domain.Principal{}, in: cart(line("p1", 1)), want: domain.ErrBuyerRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Create(context.Background(), tc.p, tc.in)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestEngine_CreateRejectsUnavailableProducts(t *testing.T) {
	f := newFixture(t)
	f.product(t, domain.Product{ID: "active", PriceMinor: 100, StockQuantity: 5, Active: true})
	f.product(t, domain.Product{ID: "inactive", PriceMinor: 100, StockQuantity: 5, Active: false})

	tests := []struct {
		name string
		in   orders.CreateInput
		want error
	}{
		{name: "missing product", in: cart(line("active", 1), line("ghost", 1)), want: domain.ErrProductUnavailable},
		{name: "inactive product", in: cart(line("inactive", 1)), want: domain.ErrProductUnavailable},
		{name: "insufficient stock", in: cart(line("active", 6)), want: domain.ErrInsufficientStock},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Create(context.Background(), buyer, tc.in)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, domain.ErrUnprocessable)
			assert.Equal(t, int32(5), f.stock(t, "active"))
			assert.Equal(t, 0, f.orderCount(t))
		})
	}
}

func TestEngine_CreateCurrencyMismatchPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.product(t, domain.Product{ID: "usd", PriceMinor: 100, Currency: "USD", StockQuantity: 5, Active: true})
	f.product(t, domain.Product{ID: "eur", PriceMinor: 100, Currency: "EUR", StockQuantity: 5, Active: true})

	_, err := f.engine.Create(context.Background(), buyer, cart(line("usd", 1), line("eur", 1)))
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	require.ErrorIs(t, err, domain.ErrUnprocessable)

	assert.Equal(t, 0, f.orderCount(t))
	assert.Equal(t, int32(5), f.stock(t, "usd"))
	assert.Equal(t, int32(5), f.stock(t, "eur"))
	assert.Empty(t, f.store.PendingMessages())
}

func TestEngine_CreateAmountOverflowIsUnprocessable(t *testing.T) {
	tests := []struct {
		name  string
		items []orders.ItemInput
	}{
		{name: "позиция", items: []orders.ItemInput{line("huge", 2)}},
		{name: "сумма позиций", items: []orders.ItemInput{line("huge", 1), line("half", 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.product(t, domain.Product{ID: "huge", PriceMinor: math.MaxInt64/2 + 1, StockQuantity: 5, Active: true})
			f.product(t, domain.Product{ID: "half", PriceMinor: math.MaxInt64 / 2, StockQuantity: 5, Active: true})

			_, err := f.engine.Create(context.Background(), buyer, cart(tt.items...))
			require.ErrorIs(t, err, domain.ErrAmountOverflow)
			require.ErrorIs(t, err, domain.ErrUnprocessable)

			assert.Equal(t, 0, f.orderCount(t))
			assert.Equal(t, int32(5), f.stock(t, "huge"))
			assert.Empty(t, f.store.PendingMessages())
		})
	}
}

// failingStore подменяет SetStock для выбранного товара, чтобы проверить откат.
type failingStore struct {
	*memory.Store
	failOn string
	err    error
}

func (s *failingStore) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return s.Store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, failingTx{Tx: tx, failOn: s.failOn, err: s.err})
	})
}

type failingTx struct {
	domain.Tx
	failOn string
	err    error
}

func (tx failingTx) Products() domain.ProductDirectory {
	return failingProducts{ProductDirectory: tx.Tx.Products(), failOn: tx.failOn, err: tx.err}
}

type failingProducts struct {
	domain.ProductDirectory
	failOn string
	err    error
}

func (p failingProducts) SetStock(ctx context.Context, id string, qty int32, actorID string) (domain.Product, error) {
	if id == p.failOn {
		return domain.Product{}, p.err
	}
	return p.ProductDirectory.SetStock(ctx, id, qty, actorID)
}

func TestEngine_CreateRollsBackOnMidFailure(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, base.UpsertProduct(ctx, domain.Product{ID: id, PriceMinor: 100, Currency: "USD", StockQuantity: 5, Active: true}))
	}

	storageErr := errors.New("disk full")
	engine := orders.NewEngine(&failingStore{Store: base, failOn: "p2", err: storageErr}, orders.WithLogger(loggerForTests()))

	_, err := engine.Create(ctx, buyer, cart(line("p1", 1), line("p2", 1), line("p3", 1)))
	require.ErrorIs(t, err, storageErr)

	all, err := base.Orders().List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	items, err := base.Orders().ListItems(ctx, domain.ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	for _, id := range []string{"p1", "p2", "p3"} {
		product, err := base.Products().FindProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int32(5), product.StockQuantity, id)
		assert.Empty(t, base.StockMovements(id))
	}
	assert.Empty(t, base.PendingMessages())
}

func TestEngine_CancelRollsBackOnMidFailure(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, base.UpsertProduct(ctx, domain.Product{ID: id, PriceMinor: 100, Currency: "USD", StockQuantity: 5, Active: true}))
	}

	order, err := orders.NewEngine(base, orders.WithLogger(loggerForTests())).Create(ctx, buyer, cart(line("p1", 1), line("p2", 2)))
	require.NoError(t, err)

	storageErr := errors.New("connection reset")
	failing := orders.NewEngine(&failingStore{Store: base, failOn: "p2", err: storageErr}, orders.WithLogger(loggerForTests()))

	_, err = failing.Cancel(ctx, buyer, order.ID)
	require.ErrorIs(t, err, storageErr)

	stored, err := base.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)

	p1, _ := base.Products().FindProduct(ctx, "p1")
	p2, _ := base.Products().FindProduct(ctx, "p2")
	assert.Equal(t, int32(4), p1.StockQuantity)
	assert.Equal(t, int32(3), p2.StockQuantity)
}

func TestEngine_CancelRestoresStockOfInactiveProduct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	// Снятый с продажи товар не мешает отмене.
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 4, Active: false})
	cancelled, err := f.engine.Cancel(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, int32(5), f.stock(t, "p1"))
}

func TestEngine_CancelStatusRules(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		status domain.OrderStatus
		ok     bool
	}{
		{domain.OrderStatusPending, true},
		{domain.OrderStatusPaid, true},
		{domain.OrderStatusProcessing, true},
		{domain.OrderStatusShipped, false},
		{domain.OrderStatusDelivered, false},
		{domain.OrderStatusRefunded, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			f := newFixture(t)
			f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

			order, err := f.engine.Create(ctx, buyer, cart(line("p1", 2)))
			require.NoError(t, err)
			if tc.status != domain.OrderStatusPending {
				_, err = f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Status: ptr(tc.status)})
				require.NoError(t, err)
			}

			_, err = f.engine.Cancel(ctx, buyer, order.ID)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, int32(5), f.stock(t, "p1"))
				return
			}
			require.ErrorIs(t, err, domain.ErrOrderNotCancellable)
			assert.Equal(t, int32(3), f.stock(t, "p1"))
		})
	}
}

func TestEngine_OwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	_, err = f.engine.FindOne(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.Update(ctx, stranger, order.ID, domain.OrderPatch{Notes: ptr("mine now")})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.Cancel(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.engine.Timeline(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	stored, err := f.engine.FindOne(ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.Notes)
	assert.Equal(t, int32(4), f.stock(t, "p1"))
}

func TestEngine_FindOneNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.FindOne(context.Background(), admin, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.FindOne(context.Background(), admin, "")
	require.ErrorIs(t, err, domain.ErrOrderIDRequired)
}

func TestEngine_FindAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 10, Active: true})

	first, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, stranger, cart(line("p1", 1)))
	require.NoError(t, err)
	third, err := f.engine.Create(ctx, buyer, cart(line("p1", 2)))
	require.NoError(t, err)

	own, err := f.engine.FindAll(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, third.ID, own[0].ID)
	assert.Equal(t, first.ID, own[1].ID)
	assert.Len(t, own[0].Items, 1)

	all, err := f.engine.FindAll(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)

	none, err := f.engine.FindAll(ctx, domain.Principal{UserID: "nobody", Role: domain.RoleUser})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEngine_UpdateFieldRestriction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	_, err = f.engine.Update(ctx, buyer, order.ID, domain.OrderPatch{
		Status: ptr(domain.OrderStatusDelivered),
		Notes:  ptr("hello"),
	})
	require.ErrorIs(t, err, domain.ErrForbidden)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"status"}, de.Fields)

	_, err = f.engine.Update(ctx, buyer, order.ID, domain.OrderPatch{PaymentID: ptr("pay-1"), Status: ptr(domain.OrderStatusPaid)})
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"status", "paymentId"}, de.Fields)

	stored, err := f.engine.FindOne(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.Notes)

	updated, err := f.engine.Update(ctx, buyer, order.ID, domain.OrderPatch{
		ShippingAddress: ptr("Tverskaya 7"),
		ZipCode:         ptr("125009"),
		Notes:           ptr("call first"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Tverskaya 7", updated.ShippingAddress)
	assert.Equal(t, "125009", updated.ZipCode)
	assert.Equal(t, "call first", updated.Notes)
	assert.Equal(t, int64(1), updated.Version)
	require.Len(t, updated.Items, 1)
}

func TestEngine_UpdateAdminIgnoresTransitionGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	delivered, err := f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{
		Status:    ptr(domain.OrderStatusDelivered),
		PaymentID: ptr("pay-42"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	assert.Equal(t, "pay-42", delivered.PaymentID)

	// Обновление не проверяет граф: администратор может вернуть заказ из терминального статуса.
	require.False(t, domain.OrderStatusDelivered.CanTransitionTo(domain.OrderStatusPending))
	reopened, err := f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Status: ptr(domain.OrderStatusPending)})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, reopened.Status)

	// Обновление статуса не трогает сток.
	assert.Equal(t, int32(4), f.stock(t, "p1"))
}

func TestEngine_UpdateValidationAndNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	_, err = f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Status: ptr(domain.OrderStatus("lost"))})
	require.ErrorIs(t, err, domain.ErrStatusInvalid)

	_, err = f.engine.Update(ctx, admin, "missing", domain.OrderPatch{Notes: ptr("x")})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	same, err := f.engine.Update(ctx, buyer, order.ID, domain.OrderPatch{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), same.Version)
	assert.Len(t, same.Items, 1)
}

func TestEngine_UpdateForbiddenRegardlessOfPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	tests := []struct {
		name       string
		principal  domain.Principal
		patch      domain.OrderPatch
		wantFields []string
	}{
		{
			name:      "stranger with invalid status",
			principal: stranger,
			patch:     domain.OrderPatch{Status: ptr(domain.OrderStatus("bogus"))},
		},
		{
			name:      "stranger with unknown field",
			principal: stranger,
			patch:     domain.OrderPatch{Unknown: []string{"totalAmount"}},
		},
		{
			name:       "owner with invalid status",
			principal:  buyer,
			patch:      domain.OrderPatch{Status: ptr(domain.OrderStatus("bogus"))},
			wantFields: []string{"status"},
		},
		{
			name:       "owner with malformed status",
			principal:  buyer,
			patch:      domain.OrderPatch{Malformed: []string{"status"}},
			wantFields: []string{"status"},
		},
		{
			name:       "owner with unknown field",
			principal:  buyer,
			patch:      domain.OrderPatch{Notes: ptr("x"), Unknown: []string{"totalAmount"}},
			wantFields: []string{"totalAmount"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Update(ctx, tt.principal, order.ID, tt.patch)
			require.ErrorIs(t, err, domain.ErrForbidden)
			if tt.wantFields == nil {
				require.ErrorIs(t, err, domain.ErrOrderAccessDenied)
				return
			}
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.wantFields, de.Fields)
		})
	}

	stored, err := f.engine.FindOne(ctx, buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.Notes)
	assert.Equal(t, int64(0), stored.Version)
}

func TestEngine_UpdateAdminGetsInvalidArgumentForBadPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)

	_, err = f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Unknown: []string{"totalAmount"}})
	require.ErrorIs(t, err, domain.ErrUnknownField)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"totalAmount"}, de.Fields)

	_, err = f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Malformed: []string{"notes"}})
	require.ErrorIs(t, err, domain.ErrFieldNotString)
}

func TestEngine_FindBySeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "a1", SellerID: "seller-a", PriceMinor: 1000, StockQuantity: 10, Active: true})
	f.product(t, domain.Product{ID: "b1", SellerID: "seller-b", PriceMinor: 500, StockQuantity: 10, Active: true})

	mixed, err := f.engine.Create(ctx, buyer, cart(line("a1", 1), line("b1", 2)))
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, stranger, cart(line("b1", 1)))
	require.NoError(t, err)

	sellerA := domain.Principal{UserID: "seller-a", Role: domain.RoleUser}
	result, err := f.engine.FindBySeller(ctx, sellerA, "seller-a")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, mixed.ID, result[0].ID)
	assert.Equal(t, int64(2000), result[0].AmountMinor)
	require.Len(t, result[0].Items, 1)
	assert.Equal(t, "a1", result[0].Items[0].ProductID)

	sellerB := domain.Principal{UserID: "seller-b", Role: domain.RoleUser}
	result, err = f.engine.FindBySeller(ctx, sellerB, "seller-b")
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.NotEqual(t, mixed.ID, result[0].ID)

	_, err = f.engine.FindBySeller(ctx, sellerA, "seller-b")
	require.ErrorIs(t, err, domain.ErrSellerAccessDenied)

	asAdmin, err := f.engine.FindBySeller(ctx, admin, "seller-a")
	require.NoError(t, err)
	assert.Len(t, asAdmin, 1)

	empty, err := f.engine.FindBySeller(ctx, domain.Principal{UserID: "seller-z", Role: domain.RoleUser}, "seller-z")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEngine_TimelineAndOutbox(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 1)))
	require.NoError(t, err)
	_, err = f.engine.Update(ctx, admin, order.ID, domain.OrderPatch{Status: ptr(domain.OrderStatusPaid)})
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, buyer, order.ID)
	require.NoError(t, err)

	events, err := f.engine.Timeline(ctx, buyer, order.ID)
	require.NoError(t, err)

	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	assert.Equal(t, []string{
		domain.TimelineOrderCreated,
		domain.TimelineOrderUpdated,
		domain.TimelineOrderStatusChanged,
		domain.TimelineOrderCanceled,
	}, types)
	assert.Equal(t, "pending -> paid", events[2].Reason)
	assert.Equal(t, "buyer-1", events[3].ActorID)

	pending := f.store.PendingMessages()
	require.Len(t, pending, 3)
	assert.Equal(t, "order.created", pending[0].EventType)
	assert.Equal(t, "order.updated", pending[1].EventType)
	assert.Equal(t, "order.cancelled", pending[2].EventType)
	for _, msg := range pending {
		assert.Equal(t, order.ID, msg.AggregateID)
	}
}

func TestEngine_ConcurrentCreatesDoNotOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	const buyers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := domain.Principal{UserID: fmt.Sprintf("buyer-%d", i), Role: domain.RoleUser}
			_, err := f.engine.Create(ctx, p, cart(line("p1", 3)))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(buyers-1), rejected.Load())
	assert.Equal(t, int32(2), f.stock(t, "p1"))
	assert.Equal(t, 1, f.orderCount(t))
}

func TestEngine_ConcurrentCancelsRestoreOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.product(t, domain.Product{ID: "p1", PriceMinor: 100, StockQuantity: 5, Active: true})

	order, err := f.engine.Create(ctx, buyer, cart(line("p1", 2)))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Cancel(ctx, buyer, order.ID); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, domain.ErrOrderNotCancellable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(5), f.stock(t, "p1"))
}
