package analysis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qaforge/qaforge/llm"
)

// Metrics collects pipeline observability counters. All methods are
// nil-safe so the pipeline runs unchanged without a registry.
type Metrics struct {
	analysesTotal *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	batchDuration prometheus.Histogram
}

// NewMetrics creates and registers pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		analysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qaforge_analyses_total",
			Help: "Analyses finished, by terminal status.",
		}, []string{"status"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qaforge_batches_total",
			Help: "Batches executed, by result.",
		}, []string{"status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qaforge_tokens_total",
			Help: "Tokens consumed across completed analyses.",
		}, []string{"direction"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qaforge_batch_duration_seconds",
			Help:    "Wall-clock duration of one batch backend call.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(m.analysesTotal, m.batchesTotal, m.tokensTotal, m.batchDuration)
	return m
}

func (m *Metrics) analysisFinished(status string) {
	if m == nil {
		return
	}
	m.analysesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) batchFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

func (m *Metrics) addTokens(usage llm.Usage) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
}
