// Command loadtest гоняет сценарии заказ → оплата → расчёт против HTTP API paycoord
// в режиме локального шлюза и печатает сводку латентностей.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/httpapi"
)

const (
	defaultAmount = int64(250000)
	statusOK      = "ok"
	statusFailed  = "failed"
)

type loadMode string

const (
	modeCreate          loadMode = "create"
	modeCreatePay       loadMode = "create-pay"
	modeCreatePayCancel loadMode = "create-pay-cancel"
)

type config struct {
	baseURL     string
	adminToken  string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	currency    string
	unitPrefix  string
	amountMinor int64
	customerTag string
	outputPath  string
}

func parseConfig(args []string, lookup app.EnvLookup) (config, error) {
	var (
		cfg         config
		modeValue   string
		adminSecret string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "paycoord HTTP base URL")
	fs.StringVar(&cfg.adminToken, "admin-token", "", "admin bearer token; minted from "+app.EnvAdminJWTSecret+" when empty")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-pay | create-pay-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for create-pay mode (0..100)")
	fs.StringVar(&cfg.currency, "currency", "KES", "order currency")
	fs.StringVar(&cfg.unitPrefix, "unit-prefix", "load-unit", "sellable unit id prefix")
	fs.Int64Var(&cfg.amountMinor, "amount-minor", defaultAmount, "unit price in minor units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if strings.TrimSpace(cfg.adminToken) == "" {
		adminSecret, _ = lookup(app.EnvAdminJWTSecret)
		if strings.TrimSpace(adminSecret) == "" {
			return cfg, errors.New("admin-token or " + app.EnvAdminJWTSecret + " is required to register units")
		}
		cfg.adminToken, err = httpapi.IssueAdminToken(adminSecret, "loadtest", time.Hour)
		if err != nil {
			return cfg, fmt.Errorf("issue admin token: %w", err)
		}
	}

	switch {
	case strings.TrimSpace(cfg.baseURL) == "":
		return cfg, errors.New("base-url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.amountMinor <= 0:
		return cfg, errors.New("amount-minor must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.currency) == "":
		return cfg, errors.New("currency is required")
	case strings.TrimSpace(cfg.unitPrefix) == "":
		return cfg, errors.New("unit-prefix is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreatePay, modeCreatePayCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	client := newAPIClient(cfg, col)
	defer client.close()

	failures := runLoad(client, cfg, runID)

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad запускает воркеры и возвращает число упавших сценариев.
func runLoad(client *apiClient, cfg config, runID string) int64 {
	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(client, cfg, id, runID); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()
	return atomic.LoadInt64(&failures)
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario регистрирует уникальную единицу, создаёт под неё заказ и,
// в зависимости от режима, оплачивает его через локальный шлюз или отменяет.
func runScenario(client *apiClient, cfg config, index int, runID string) (err error) {
	start := time.Now()
	defer func() {
		status := statusOK
		if err != nil {
			status = statusFailed
		}
		client.col.record(scenarioMethod, time.Since(start), status)
	}()

	unitID := fmt.Sprintf("%s-%s-%d", cfg.unitPrefix, runID, index)
	if err := client.registerUnit(unitBody{
		ID:              unitID,
		SKU:             cfg.unitPrefix,
		Name:            "load test unit " + unitID,
		Kind:            "unique",
		SaleStatus:      "AVAILABLE",
		Stock:           1,
		AvailableOnline: true,
	}); err != nil {
		return err
	}

	order, err := client.createOrder(createOrderBody{
		CustomerID: fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index),
		Currency:   cfg.currency,
		Items:      []orderItem{{UnitID: unitID, Quantity: 1, UnitPriceMinor: cfg.amountMinor}},
		TotalMinor: cfg.amountMinor,
	}, fmt.Sprintf("lt-create-%s-%d", runID, index))
	if err != nil {
		return err
	}
	if order.ID == "" {
		return errors.New("create response returned empty order id")
	}
	if cfg.mode == modeCreate {
		return nil
	}

	initiation, err := client.initiatePayment(order.ID, fmt.Sprintf("lt-pay-%s-%d", runID, index))
	if err != nil {
		return err
	}
	if initiation.TrackingID == "" {
		return errors.New("initiate response returned empty tracking id")
	}

	if cfg.mode == modeCreatePayCancel || (cfg.mode == modeCreatePay && shouldCancelScenario(index, cfg.cancelRate)) {
		return client.cancelOrder(order.ID)
	}

	if err := client.settleLocal(initiation.TrackingID); err != nil {
		return err
	}
	status, err := client.paymentStatus(order.ID)
	if err != nil {
		return err
	}
	if status.Status != "COMPLETED" {
		return fmt.Errorf("order %s: payment status %s, order status %s", order.ID, status.Status, status.OrderStatus)
	}
	return nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}
