// Package metrics содержит prometheus-метрики координатора платежей.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
)

// Metrics содержит метрики сверки, шлюза, webhook и sweeper.
type Metrics struct {
	// Сверка
	reconcileOutcomes *prometheus.CounterVec
	settlementLatency prometheus.Histogram

	// Шлюз
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	// Входящие уведомления и фоновые задачи
	webhooks     *prometheus.CounterVec
	sweepRuns    *prometheus.CounterVec
	sweepExpired prometheus.Counter
	sweepPending prometheus.Gauge
}

// New регистрирует метрики в DefaultRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация переиспользует уже существующие коллекторы.
func NewWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		reconcileOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "paycoord_reconcile_outcomes_total",
			Help: "Total number of reconciled observations grouped by source and outcome.",
		}, []string{"source", "outcome"}),
		settlementLatency: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "paycoord_settlement_latency_seconds",
			Help:    "Time from payment initiation to terminal settlement in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600, 21600, 86400},
		}),
		gatewayCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "paycoord_gateway_calls_total",
			Help: "Total number of payment gateway calls grouped by operation and result.",
		}, []string{"op", "result"}),
		gatewayDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "paycoord_gateway_call_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 30},
		}, []string{"op"}),
		webhooks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "paycoord_webhook_notifications_total",
			Help: "Total number of inbound gateway notifications grouped by result.",
		}, []string{"result"}),
		sweepRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "paycoord_sweeper_runs_total",
			Help: "Total number of expiry sweeper runs grouped by result.",
		}, []string{"result"}),
		sweepExpired: registerCounter(registerer, prometheus.CounterOpts{
			Name: "paycoord_sweeper_expired_total",
			Help: "Total number of payment attempts expired by the sweeper.",
		}),
		sweepPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "paycoord_sweeper_last_candidates",
			Help: "Number of overdue payment attempts found during the last sweep.",
		}),
	}
}

// RecordReconcile увеличивает счётчик исходов сверки.
func (m *Metrics) RecordReconcile(source domain.ObservationSource, outcome domain.NotificationOutcome) {
	m.reconcileOutcomes.WithLabelValues(string(source), string(outcome)).Inc()
}

// RecordSettlement записывает время от инициации до расчёта.
func (m *Metrics) RecordSettlement(initiatedAt, settledAt time.Time) {
	if initiatedAt.IsZero() || settledAt.Before(initiatedAt) {
		return
	}
	m.settlementLatency.Observe(settledAt.Sub(initiatedAt).Seconds())
}

// ObserveGatewayCall реализует gateway.CallObserver.
func (m *Metrics) ObserveGatewayCall(op string, err error, elapsed time.Duration) {
	m.gatewayCalls.WithLabelValues(op, gateway.Kind(err)).Inc()
	m.gatewayDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordWebhook увеличивает счётчик входящих уведомлений.
func (m *Metrics) RecordWebhook(result string) {
	m.webhooks.WithLabelValues(result).Inc()
}

// RecordSweep фиксирует итог прохода sweeper.
func (m *Metrics) RecordSweep(candidates, expired int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepExpired.Add(float64(expired))
	m.sweepPending.Set(float64(candidates))
}

var _ gateway.CallObserver = (*Metrics)(nil)

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}
