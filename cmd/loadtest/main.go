package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcsvc "github.com/vladislavdragonenkov/marketplace/internal/service/grpc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseConfig(args, os.LookupEnv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 2
	}

	clients := make([]orderClient, 0, cfg.connections)
	for range cfg.connections {
		conn, err := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "dial %s: %v\n", cfg.addr, err)
			return 1
		}
		defer func() { _ = conn.Close() }()
		clients = append(clients, grpcsvc.NewOrderServiceClient(conn))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runLoad(ctx, cfg, clients)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test: %v\n", err)
		return 1
	}
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return 1
		}
	}
	if result.Scenarios.Failed > 0 {
		return 1
	}
	return 0
}

// runLoad раздаёт сценарии cfg.concurrency покупателям по соединениям и собирает отчёт.
func runLoad(ctx context.Context, cfg config, clients []orderClient) (report, error) {
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	rec := newRecorder()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for worker := range cfg.concurrency {
		client := clients[worker%len(clients)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(client, cfg, rec, runID, index)
			}
		}()
	}

	feed(ctx, jobs, cfg.total)
	wg.Wait()

	return buildReport(rec, startedAt, time.Since(startedAt), cfg.stockOutOK)
}

// feed отдаёт номера сценариев до limit или отмены ctx; limit 0 — без ограничения.
func feed(ctx context.Context, jobs chan<- int, limit int) {
	defer close(jobs)
	for i := 0; limit == 0 || i < limit; i++ {
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}
