package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/marketplace/internal/service/grpc"
)

const (
	idempotencyHeader = "idempotency-key"
	tokenTTL          = time.Hour
	loadNotes         = "load test: leave at the door"
)

// orderClient — методы OrderService, которые вызывает нагрузка.
type orderClient interface {
	CreateOrder(ctx context.Context, in *grpcsvc.CreateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
	UpdateOrder(ctx context.Context, in *grpcsvc.UpdateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
	CancelOrder(ctx context.Context, in *grpcsvc.CancelOrderRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
}

// scenario — один покупатель со своим токеном и ключами идемпотентности.
type scenario struct {
	client orderClient
	cfg    config
	rec    *recorder
	runID  string
	index  int
	token  string
}

// runScenario проигрывает сценарий и записывает его итог под методом "scenario".
func runScenario(client orderClient, cfg config, rec *recorder, runID string, index int) (err error) {
	start := time.Now()
	defer func() { rec.observe(scenarioMethod, time.Since(start), status.Code(err)) }()

	buyer := domain.Principal{UserID: fmt.Sprintf("%s-%s-%d", cfg.buyerTag, runID, index), Role: domain.RoleUser}
	token, err := grpcsvc.SignToken([]byte(cfg.jwtSecret), buyer, tokenTTL)
	if err != nil {
		return status.Errorf(codes.Internal, "sign buyer token: %v", err)
	}

	s := &scenario{client: client, cfg: cfg, rec: rec, runID: runID, index: index, token: token}
	return s.play()
}

func (s *scenario) play() error {
	order, err := s.create()
	if err != nil {
		return err
	}

	switch s.cfg.mode {
	case modeCreateUpdate:
		if err := s.updateNotes(order.ID); err != nil {
			return err
		}
		if s.index%100 < s.cfg.cancelRate {
			return s.cancel(order.ID)
		}
	case modeCreateCancel:
		return s.cancel(order.ID)
	case modeCreateReplay:
		replayed, err := s.create()
		if err != nil {
			return err
		}
		if replayed.ID != order.ID {
			return status.Errorf(codes.DataLoss, "replayed create returned order %s, want %s", replayed.ID, order.ID)
		}
	}
	return nil
}

func (s *scenario) create() (*grpcsvc.Order, error) {
	qty := int32(s.cfg.qty) //nolint:gosec // ограничено в validate
	return s.call("CreateOrder", "create", func(ctx context.Context) (*grpcsvc.OrderResponse, error) {
		return s.client.CreateOrder(ctx, &grpcsvc.CreateOrderRequest{
			Items: []grpcsvc.CartItem{{ProductID: s.cfg.productID, Quantity: qty}},
			Notes: "load test",
		})
	})
}

func (s *scenario) updateNotes(orderID string) error {
	patch, err := json.Marshal(map[string]string{"notes": loadNotes})
	if err != nil {
		return err
	}
	_, err = s.call("UpdateOrder", "update", func(ctx context.Context) (*grpcsvc.OrderResponse, error) {
		return s.client.UpdateOrder(ctx, &grpcsvc.UpdateOrderRequest{OrderID: orderID, Patch: patch})
	})
	return err
}

func (s *scenario) cancel(orderID string) error {
	_, err := s.call("CancelOrder", "cancel", func(ctx context.Context) (*grpcsvc.OrderResponse, error) {
		return s.client.CancelOrder(ctx, &grpcsvc.CancelOrderRequest{OrderID: orderID})
	})
	return err
}

// call выполняет один RPC с токеном покупателя и ключом lt-<step>-<run>-<index>.
func (s *scenario) call(method, step string, fn func(context.Context) (*grpcsvc.OrderResponse, error)) (*grpcsvc.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", "Bearer "+s.token,
		idempotencyHeader, fmt.Sprintf("lt-%s-%s-%d", step, s.runID, s.index),
	)

	start := time.Now()
	resp, err := fn(ctx)
	s.rec.observe(method, time.Since(start), status.Code(err))
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Order == nil || resp.Order.ID == "" {
		return nil, status.Errorf(codes.Internal, "%s returned no order", method)
	}
	return resp.Order, nil
}
