package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"google.golang.org/grpc/codes"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// scenarioCounts — итоги по покупателям. Rejected — отказы из-за остатка при -stock-out-ok.
type scenarioCounts struct {
	Total    int64 `json:"total"`
	OK       int64 `json:"ok"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	Scenarios         scenarioCounts          `json:"scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

func buildReport(rec *recorder, startedAt time.Time, elapsed time.Duration, stockOutOK bool) (report, error) {
	methods, err := rec.snapshot()
	if err != nil {
		return report{}, fmt.Errorf("collect load metrics: %w", err)
	}

	scenario := methods[scenarioMethod]
	delete(methods, scenarioMethod)

	counts := scenarioCounts{Total: scenario.Calls, OK: scenario.Codes[codes.OK.String()]}
	if stockOutOK {
		counts.Rejected = scenario.Codes[codes.FailedPrecondition.String()]
	}
	counts.Failed = counts.Total - counts.OK - counts.Rejected

	result := report{
		StartedAt:         startedAt.UTC(),
		DurationSeconds:   elapsed.Seconds(),
		Scenarios:         counts,
		ErrorRate:         ratio(counts.Failed, counts.Total),
		ScenarioLatencyMs: scenario.LatencyMs,
		Methods:           methods,
	}
	if elapsed > 0 {
		result.RPS = float64(counts.Total) / elapsed.Seconds()
	}
	return result, nil
}

func printReport(w io.Writer, result report, cfg config) {
	s := result.Scenarios
	_, _ = fmt.Fprintf(w, "mode=%s run=%s product=%s scenarios=%d ok=%d rejected=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.target(), cfg.productID, s.Total, s.OK, s.Rejected, s.Failed, result.ErrorRate)
	l := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f scenario_ms avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n",
		result.DurationSeconds, result.RPS, l.Avg, l.P50, l.P95, l.P99)

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		m := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d failed=%d p95=%.2fms codes=%v\n", name, m.Calls, m.Failed, m.LatencyMs.P95, m.Codes)
	}
}

// writeJSONReport пишет отчёт только внутрь текущего каталога.
func writeJSONReport(path string, result report) error {
	if !filepath.IsLocal(path) {
		return fmt.Errorf("report path must stay inside the working directory: %q", path)
	}
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), append(body, '\n'), 0o600)
}
