package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	scenarioMethod = "scenario"
	callsMetric    = "paycoord_loadtest_calls_total"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// collector считает вызовы в собственном prometheus-реестре, а задержки
// хранит целиком: перцентили отчёта считаются по всем замерам.
type collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec

	mu        sync.Mutex
	latencies map[string][]float64
}

func newCollector() *collector {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: callsMetric,
		Help: "Load test calls by API method and response status.",
	}, []string{"method", "status"})
	registry := prometheus.NewRegistry()
	registry.MustRegister(calls)

	return &collector{
		registry:  registry,
		calls:     calls,
		latencies: make(map[string][]float64),
	}
}

func (c *collector) record(method string, latency time.Duration, status string) {
	c.calls.WithLabelValues(method, status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[method] = append(c.latencies[method], float64(latency.Microseconds())/1000)
}

// isSuccessStatus: "ok" сценария или HTTP-код 1xx-3xx.
func isSuccessStatus(status string) bool {
	return status == statusOK || (len(status) == 3 && status[0] >= '1' && status[0] <= '3')
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport),
	}

	families, err := c.registry.Gather()
	if err != nil {
		return result
	}
	for _, family := range families {
		if family.GetName() != callsMetric {
			continue
		}
		for _, metric := range family.GetMetric() {
			var method, status string
			for _, label := range metric.GetLabel() {
				switch label.GetName() {
				case "method":
					method = label.GetValue()
				case "status":
					status = label.GetValue()
				}
			}
			count := int64(metric.GetCounter().GetValue())

			entry := result.Methods[method]
			if entry.Statuses == nil {
				entry.Statuses = make(map[string]int64)
			}
			entry.Statuses[status] += count
			entry.Calls += count
			if isSuccessStatus(status) {
				entry.Success += count
			} else {
				entry.Failed += count
			}
			result.Methods[method] = entry
		}
	}

	c.mu.Lock()
	for method, entry := range result.Methods {
		entry.ErrorRate = ratio(entry.Failed, entry.Calls)
		entry.LatencyMs = summarize(c.latencies[method])
		result.Methods[method] = entry
	}
	c.mu.Unlock()

	if scenario, ok := result.Methods[scenarioMethod]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		result.RPS = float64(result.TotalScenarios) / elapsed.Seconds()
	}
	return result
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o600)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintf(w, "paycoord load test: mode=%s run=%s\n", cfg.mode, runTarget(cfg))
	_, _ = fmt.Fprintf(w, "scenarios total=%d success=%d failed=%d error_rate=%.4f rps=%.2f duration=%.2fs\n",
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.ErrorRate, result.RPS, result.DurationSeconds)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "METHOD\tCALLS\tFAILED\tERROR_RATE\tP50_MS\tP95_MS\tP99_MS\tMAX_MS")
	rows := []string{scenarioMethod}
	for name := range result.Methods {
		if name != scenarioMethod {
			rows = append(rows, name)
		}
	}
	slices.Sort(rows[1:])
	for _, name := range rows {
		m, ok := result.Methods[name]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			name, m.Calls, m.Failed, m.ErrorRate, m.LatencyMs.P50, m.LatencyMs.P95, m.LatencyMs.P99, m.LatencyMs.Max)
	}
	_ = tw.Flush()
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}

func summarize(samples []float64) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует линейно между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo, hi := int(math.Floor(rank)), int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
