package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName — полное имя gRPC-сервиса заказов.
const ServiceName = "marketplace.v1.OrderService"

// Полные имена методов OrderService.
const (
	MethodCreateOrder      = "/" + ServiceName + "/CreateOrder"
	MethodGetOrder         = "/" + ServiceName + "/GetOrder"
	MethodListOrders       = "/" + ServiceName + "/ListOrders"
	MethodUpdateOrder      = "/" + ServiceName + "/UpdateOrder"
	MethodCancelOrder      = "/" + ServiceName + "/CancelOrder"
	MethodListSellerOrders = "/" + ServiceName + "/ListSellerOrders"
	MethodGetOrderTimeline = "/" + ServiceName + "/GetOrderTimeline"
)

// OrderServiceServer — серверная сторона marketplace.v1.OrderService.
type OrderServiceServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*OrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	UpdateOrder(context.Context, *UpdateOrderRequest) (*OrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderResponse, error)
	ListSellerOrders(context.Context, *ListSellerOrdersRequest) (*ListOrdersResponse, error)
	GetOrderTimeline(context.Context, *GetOrderTimelineRequest) (*GetOrderTimelineResponse, error)
}

// OrderServiceDesc описывает сервис для grpc.Server.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, OrderServiceServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(MethodListOrders, OrderServiceServer.ListOrders)},
		{MethodName: "UpdateOrder", Handler: unaryHandler(MethodUpdateOrder, OrderServiceServer.UpdateOrder)},
		{MethodName: "CancelOrder", Handler: unaryHandler(MethodCancelOrder, OrderServiceServer.CancelOrder)},
		{MethodName: "ListSellerOrders", Handler: unaryHandler(MethodListSellerOrders, OrderServiceServer.ListSellerOrders)},
		{MethodName: "GetOrderTimeline", Handler: unaryHandler(MethodGetOrderTimeline, OrderServiceServer.GetOrderTimeline)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketplace/v1/order_service",
}

// RegisterOrderServiceServer регистрирует реализацию на сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(OrderServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderServiceClient — клиент marketplace.v1.OrderService. Все вызовы идут с JSON-кодеком.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient создаёт клиента поверх соединения.
func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodCreateOrder, in, opts)
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodGetOrder, in, opts)
}

func (c *OrderServiceClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, MethodListOrders, in, opts)
}

func (c *OrderServiceClient) UpdateOrder(ctx context.Context, in *UpdateOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodUpdateOrder, in, opts)
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, MethodCancelOrder, in, opts)
}

func (c *OrderServiceClient) ListSellerOrders(ctx context.Context, in *ListSellerOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	return invoke[ListOrdersResponse](ctx, c.cc, MethodListSellerOrders, in, opts)
}

func (c *OrderServiceClient) GetOrderTimeline(ctx context.Context, in *GetOrderTimelineRequest, opts ...grpc.CallOption) (*GetOrderTimelineResponse, error) {
	return invoke[GetOrderTimelineResponse](ctx, c.cc, MethodGetOrderTimeline, in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}
