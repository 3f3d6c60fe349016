package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

const envJWTSecret = "MARKETPLACE_JWT_SECRET"

// loadMode — что покупатель делает с заказом после создания.
type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateUpdate loadMode = "create-update"
	modeCreateCancel loadMode = "create-cancel"
	// modeCreateReplay повторяет CreateOrder с тем же idempotency-key и ждёт тот же заказ.
	modeCreateReplay loadMode = "create-replay"
)

var loadModes = []loadMode{modeCreate, modeCreateUpdate, modeCreateCancel, modeCreateReplay}

type config struct {
	addr        string
	total       int // 0 вместе с duration — без ограничения
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	productID   string
	qty         int
	buyerTag    string
	jwtSecret   string
	outputPath  string
	stockOutOK  bool
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg  config
		mode string
	)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "order service gRPC address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration caps the run only when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "concurrent buyers")
	fs.IntVar(&cfg.connections, "connections", 20, "gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-call timeout")
	fs.StringVar(&mode, "mode", string(modeCreate), "create | create-update | create-cancel | create-replay")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of create-update scenarios that also cancel")
	fs.StringVar(&cfg.productID, "product", "", "catalog product id to order")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity per order")
	fs.StringVar(&cfg.buyerTag, "buyer-tag", "load", "prefix of generated buyer ids")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HS256 secret for buyer tokens (default $"+envJWTSecret+")")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	fs.BoolVar(&cfg.stockOutOK, "stock-out-ok", false, "count FailedPrecondition on create as rejected, not failed")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	totalSet := false
	fs.Visit(func(f *flag.Flag) { totalSet = totalSet || f.Name == "total" })
	if cfg.duration > 0 && !totalSet {
		cfg.total = 0
	}
	if strings.TrimSpace(cfg.jwtSecret) == "" {
		cfg.jwtSecret, _ = lookup(envJWTSecret)
	}
	cfg.mode = loadMode(strings.TrimSpace(mode))

	return cfg, cfg.validate(totalSet)
}

// validate возвращает все найденные ошибки сразу.
func (c config) validate(totalSet bool) error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	check(!slices.Contains(loadModes, c.mode), fmt.Sprintf("unsupported mode %q", c.mode))
	check(c.duration < 0, "duration must be >= 0")
	check(c.duration == 0 && c.total <= 0, "total must be > 0 without duration")
	check(c.duration > 0 && totalSet && c.total <= 0, "explicit total must be > 0")
	check(c.concurrency <= 0, "concurrency must be > 0")
	check(c.connections <= 0, "connections must be > 0")
	check(c.timeout <= 0, "timeout must be > 0")
	check(c.qty <= 0 || c.qty > 1<<20, "qty must be in 1..1048576")
	check(c.cancelRate < 0 || c.cancelRate > 100, "cancel-rate must be in 0..100")
	check(strings.TrimSpace(c.productID) == "", "product is required")
	check(strings.TrimSpace(c.buyerTag) == "", "buyer-tag is required")
	check(strings.TrimSpace(c.jwtSecret) == "", "jwt secret is required (-jwt-secret or $"+envJWTSecret+")")
	return errors.Join(errs...)
}

// target описывает границу прогона для отчёта.
func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.total > 0:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}
