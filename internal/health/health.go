package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status — итог проверки компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Имена компонентов сервиса заказов в ответе /healthz.
const (
	ComponentOrderStore  = "order-store"
	ComponentOrderOutbox = "order-outbox"
	ComponentCatalog     = "catalog"
	ComponentKafka       = "kafka"
)

const requestTimeout = 3 * time.Second

// Check — результат проверки одного компонента.
type Check struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Critical   bool           `json:"critical"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Service       string           `json:"service"`
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckerFunc позволяет использовать функцию как Checker.
type CheckerFunc func(ctx context.Context) Check

// Check вызывает f.
func (f CheckerFunc) Check(ctx context.Context) Check { return f(ctx) }

type registration struct {
	name     string
	checker  Checker
	critical bool
}

// Handler собирает проверки компонентов сервиса заказов.
// Отказ критичного компонента (хранилище) делает сервис unhealthy и снимает
// его с readiness; отказ некритичного (брокер, каталог) только degraded.
type Handler struct {
	mu        sync.RWMutex
	service   string
	version   string
	checkers  []registration
	startTime time.Time
	now       func() time.Time
}

// NewHandler создаёт health handler сервиса.
func NewHandler(service, version string) *Handler {
	return &Handler{
		service:   service,
		version:   version,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Register добавляет критичную проверку. Повторная регистрация имени заменяет её.
func (h *Handler) Register(name string, checker Checker) {
	h.register(registration{name: name, checker: checker, critical: true})
}

// RegisterOptional добавляет проверку, отказ которой не снимает сервис с трафика.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(registration{name: name, checker: checker})
}

func (h *Handler) register(r registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checkers {
		if h.checkers[i].name == r.name {
			h.checkers[i] = r
			return
		}
	}
	h.checkers = append(h.checkers, r)
}

// Evaluate выполняет все проверки параллельно и сводит общий статус.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	regs := append([]registration(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]Check, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, reg)
		}()
	}
	wg.Wait()

	resp := Response{
		Service:       h.service,
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	for _, check := range results {
		resp.Checks[check.Name] = check
		resp.Status = worse(resp.Status, effectiveStatus(check))
	}
	return resp
}

func runCheck(ctx context.Context, reg registration) Check {
	start := time.Now()
	check := reg.checker.Check(ctx)
	check.Name = reg.name
	check.Critical = reg.critical
	if check.Status == "" {
		check.Status = StatusHealthy
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}

// effectiveStatus понижает отказ некритичного компонента до degraded.
func effectiveStatus(check Check) Status {
	if check.Status == StatusUnhealthy && !check.Critical {
		return StatusDegraded
	}
	return check.Status
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// ServeHTTP отдаёт подробный JSON по всем компонентам.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := h.Evaluate(ctx)
	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler снимает сервис с трафика только при отказе критичного компонента.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if h.Evaluate(ctx).Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
