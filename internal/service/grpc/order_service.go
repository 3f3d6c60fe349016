package grpcsvc

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
)

// OrderEngine — операции жизненного цикла заказа, которые вызывает транспорт.
type OrderEngine interface {
	Create(ctx context.Context, p domain.Principal, in orders.CreateInput) (domain.Order, error)
	FindOne(ctx context.Context, p domain.Principal, orderID string) (domain.Order, error)
	FindAll(ctx context.Context, p domain.Principal) ([]domain.Order, error)
	Update(ctx context.Context, p domain.Principal, orderID string, patch domain.OrderPatch) (domain.Order, error)
	Cancel(ctx context.Context, p domain.Principal, orderID string) (domain.Order, error)
	FindBySeller(ctx context.Context, p domain.Principal, sellerID string) ([]domain.Order, error)
	Timeline(ctx context.Context, p domain.Principal, orderID string) ([]domain.TimelineEvent, error)
}

// OrderService реализует marketplace.v1.OrderService поверх движка заказов.
type OrderService struct {
	engine      OrderEngine
	idemRepo    domain.IdempotencyRepository
	idemMetrics *metrics.IdempotencyMetrics
	logger      *log.Entry
}

// NewOrderService конструирует сервис с зависимостями.
// idemRepo может быть nil: тогда idempotency-key игнорируется.
func NewOrderService(
	engine OrderEngine,
	idemRepo domain.IdempotencyRepository,
	idemMetrics *metrics.IdempotencyMetrics,
	logger *log.Entry,
) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &OrderService{
		engine:      engine,
		idemRepo:    idemRepo,
		idemMetrics: idemMetrics,
		logger:      logger,
	}
}

// CreateOrder создаёт заказ из корзины покупателя.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	return withIdempotency(s, ctx, MethodCreateOrder, principal, req,
		func() *OrderResponse { return &OrderResponse{} },
		func(ctx context.Context) (*OrderResponse, error) {
			in := orders.CreateInput{
				Items:           make([]orders.ItemInput, 0, len(req.Items)),
				ShippingAddress: req.ShippingAddress,
				ZipCode:         req.ZipCode,
				Notes:           req.Notes,
			}
			for _, item := range req.Items {
				in.Items = append(in.Items, orders.ItemInput{ProductID: item.ProductID, Qty: item.Quantity})
			}

			order, err := s.engine.Create(ctx, principal, in)
			if err != nil {
				return nil, toStatus(err)
			}
			return &OrderResponse{Order: toOrderMessage(order)}, nil
		},
	)
}

// GetOrder возвращает заказ владельцу или администратору.
func (s *OrderService) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	order, err := s.engine.FindOne(ctx, principal, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OrderResponse{Order: toOrderMessage(order)}, nil
}

// ListOrders возвращает заказы пользователя; администратору все заказы.
func (s *OrderService) ListOrders(ctx context.Context, _ *ListOrdersRequest) (*ListOrdersResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	list, err := s.engine.FindAll(ctx, principal)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListOrdersResponse{Orders: toOrderList(list)}, nil
}

// UpdateOrder применяет патч к заказу.
func (s *OrderService) UpdateOrder(ctx context.Context, req *UpdateOrderRequest) (*OrderResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	patch, err := decodePatch(req.Patch)
	if err != nil {
		return nil, toStatus(err)
	}

	return withIdempotency(s, ctx, MethodUpdateOrder, principal, req,
		func() *OrderResponse { return &OrderResponse{} },
		func(ctx context.Context) (*OrderResponse, error) {
			order, err := s.engine.Update(ctx, principal, req.OrderID, patch)
			if err != nil {
				return nil, toStatus(err)
			}
			return &OrderResponse{Order: toOrderMessage(order)}, nil
		},
	)
}

// CancelOrder отменяет заказ и возвращает товары на склад.
func (s *OrderService) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	return withIdempotency(s, ctx, MethodCancelOrder, principal, req,
		func() *OrderResponse { return &OrderResponse{} },
		func(ctx context.Context) (*OrderResponse, error) {
			order, err := s.engine.Cancel(ctx, principal, req.OrderID)
			if err != nil {
				return nil, toStatus(err)
			}
			return &OrderResponse{Order: toOrderMessage(order)}, nil
		},
	)
}

// ListSellerOrders возвращает заказы с товарами продавца.
// Без seller_id продавцом считается сам пользователь.
func (s *OrderService) ListSellerOrders(ctx context.Context, req *ListSellerOrdersRequest) (*ListOrdersResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	sellerID := strings.TrimSpace(req.SellerID)
	if sellerID == "" {
		sellerID = principal.UserID
	}

	list, err := s.engine.FindBySeller(ctx, principal, sellerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListOrdersResponse{Orders: toOrderList(list)}, nil
}

// GetOrderTimeline возвращает историю заказа.
func (s *OrderService) GetOrderTimeline(ctx context.Context, req *GetOrderTimelineRequest) (*GetOrderTimelineResponse, error) {
	principal, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	events, err := s.engine.Timeline(ctx, principal, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetOrderTimelineResponse{Events: toTimelineMessages(events)}, nil
}

func requirePrincipal(ctx context.Context) (domain.Principal, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return domain.Principal{}, status.Error(codes.Unauthenticated, "authentication required")
	}
	return principal, nil
}
