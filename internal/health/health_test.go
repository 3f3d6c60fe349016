package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func staticChecker(status Status, message string) Checker {
	return CheckerFunc(func(context.Context) Check {
		return Check{Status: status, Message: message}
	})
}

func serveHealth(t *testing.T, h *Handler) (int, Response) {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, resp
}

func TestHandler_AllComponentsHealthy(t *testing.T) {
	h := NewHandler("marketplace-orders", "v1.2.0")
	h.Register(ComponentOrderStore, staticChecker(StatusHealthy, ""))
	h.RegisterOptional(ComponentKafka, staticChecker(StatusHealthy, ""))

	code, resp := serveHealth(t, h)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if resp.Status != StatusHealthy || resp.Service != "marketplace-orders" || resp.Version != "v1.2.0" {
		t.Errorf("unexpected response %+v", resp)
	}

	store, ok := resp.Checks[ComponentOrderStore]
	if !ok || !store.Critical || store.Name != ComponentOrderStore {
		t.Errorf("order-store check must be critical and named, got %+v", store)
	}
	if resp.Checks[ComponentKafka].Critical {
		t.Error("kafka check must not be critical")
	}
}

func TestHandler_StatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		store    Status
		kafka    Status
		want     Status
		wantCode int
	}{
		{name: "optional unhealthy degrades", store: StatusHealthy, kafka: StatusUnhealthy, want: StatusDegraded, wantCode: http.StatusOK},
		{name: "optional degraded", store: StatusHealthy, kafka: StatusDegraded, want: StatusDegraded, wantCode: http.StatusOK},
		{name: "critical unhealthy wins", store: StatusUnhealthy, kafka: StatusDegraded, want: StatusUnhealthy, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("marketplace-orders", "dev")
			h.Register(ComponentOrderStore, staticChecker(tt.store, "store"))
			h.RegisterOptional(ComponentKafka, staticChecker(tt.kafka, "kafka"))

			code, resp := serveHealth(t, h)
			if code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, code)
			}
			if resp.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, resp.Status)
			}
		})
	}
}

func TestHandler_RegisterReplacesByName(t *testing.T) {
	h := NewHandler("marketplace-orders", "dev")
	h.Register(ComponentCatalog, staticChecker(StatusUnhealthy, "old"))
	h.RegisterOptional(ComponentCatalog, staticChecker(StatusHealthy, "new"))

	resp := h.Evaluate(context.Background())
	if len(resp.Checks) != 1 {
		t.Fatalf("expected 1 check, got %d", len(resp.Checks))
	}
	if got := resp.Checks[ComponentCatalog]; got.Message != "new" || got.Critical {
		t.Errorf("expected replaced optional check, got %+v", got)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		store    Status
		outbox   Status
		wantCode int
		wantBody string
	}{
		{name: "ready", store: StatusHealthy, outbox: StatusHealthy, wantCode: http.StatusOK, wantBody: "ready"},
		{name: "stale outbox keeps traffic", store: StatusHealthy, outbox: StatusUnhealthy, wantCode: http.StatusOK, wantBody: "ready"},
		{name: "store down", store: StatusUnhealthy, outbox: StatusHealthy, wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("marketplace-orders", "dev")
			h.Register(ComponentOrderStore, staticChecker(tt.store, ""))
			h.RegisterOptional(ComponentOrderOutbox, staticChecker(tt.outbox, ""))

			w := httptest.NewRecorder()
			h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.wantCode || w.Body.String() != tt.wantBody {
				t.Errorf("expected %d %q, got %d %q", tt.wantCode, tt.wantBody, w.Code, w.Body.String())
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}
