package app

import (
	"context"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// workerGroup запускает фоновые worker'ы сервиса на общем контексте
// и останавливает их с одним дедлайном на всех.
type workerGroup struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *log.Entry
	stopTimeout time.Duration

	mu      sync.Mutex
	running map[string]chan struct{}
	once    sync.Once
	stuck   []string
}

func newWorkerGroup(parent context.Context, logger *log.Entry) *workerGroup {
	ctx, cancel := context.WithCancel(parent)
	return &workerGroup{
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		stopTimeout: workerStopTimeout,
		running:     make(map[string]chan struct{}),
	}
}

// Go запускает run в отдельной горутине под именем name.
func (g *workerGroup) Go(name string, run func(context.Context)) {
	done := make(chan struct{})
	g.mu.Lock()
	g.running[name] = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		run(g.ctx)
	}()
}

// Stop отменяет контекст и ждёт worker'ы не дольше stopTimeout.
// Возвращает имена тех, кто не успел остановиться; повторный вызов ничего не ждёт.
func (g *workerGroup) Stop() []string {
	g.once.Do(func() {
		g.cancel()
		deadline := time.NewTimer(g.stopTimeout)
		defer deadline.Stop()

		g.mu.Lock()
		defer g.mu.Unlock()
		expired := false
		for name, done := range g.running {
			if !expired {
				select {
				case <-done:
					continue
				case <-deadline.C:
					expired = true
				}
			}
			select {
			case <-done:
			default:
				g.stuck = append(g.stuck, name)
			}
		}
		slices.Sort(g.stuck)
		for _, name := range g.stuck {
			g.logger.WithField("worker", name).Warn("worker did not stop in time")
		}
	})
	return g.stuck
}
