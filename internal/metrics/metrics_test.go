package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		total += m.GetCounter().GetValue()
	}
	return total
}

func TestNewWithRegisterer_ReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewWithRegisterer(reg)
	second := NewWithRegisterer(reg)

	first.RecordReconcile(domain.SourceWebhook, domain.OutcomeApplied)
	second.RecordReconcile(domain.SourceWebhook, domain.OutcomeApplied)

	value := counterValue(t, first.reconcileOutcomes.WithLabelValues("webhook", "applied"))
	assert.Equal(t, 2.0, value)
}

func TestObserveGatewayCall_LabelsByKind(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.ObserveGatewayCall("query_status", nil, 10*time.Millisecond)
	m.ObserveGatewayCall("query_status", &gateway.Error{Kind: gateway.ErrGatewayNetwork}, time.Second)
	m.ObserveGatewayCall("initiate", errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, counterValue(t, m.gatewayCalls.WithLabelValues("query_status", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.gatewayCalls.WithLabelValues("query_status", "network")))
	assert.Equal(t, 1.0, counterValue(t, m.gatewayCalls.WithLabelValues("initiate", "other")))
}

func TestRecordSweep(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.RecordSweep(4, 3, nil)
	m.RecordSweep(1, 0, errors.New("db down"))

	assert.Equal(t, 3.0, counterValue(t, m.sweepExpired))
	assert.Equal(t, 1.0, counterValue(t, m.sweepRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, counterValue(t, m.sweepRuns.WithLabelValues("error")))

	gauge := &dto.Metric{}
	require.NoError(t, m.sweepPending.Write(gauge))
	assert.Equal(t, 1.0, gauge.GetGauge().GetValue())
}

func TestRecordSettlement_IgnoresInvalidInterval(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())
	now := time.Now()

	m.RecordSettlement(time.Time{}, now)
	m.RecordSettlement(now, now.Add(-time.Second))
	m.RecordSettlement(now.Add(-time.Minute), now)

	metric := &dto.Metric{}
	require.NoError(t, m.settlementLatency.Write(metric))
	assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 60.0, metric.GetHistogram().GetSampleSum(), 0.001)
}
