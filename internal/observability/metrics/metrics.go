package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "arch2code"
	subsystem = "generation"
)

// latencyBuckets covers a few seconds for short explanations up to several
// minutes for large templates with retries.
var latencyBuckets = []float64{1, 2, 5, 10, 20, 30, 60, 120, 300}

// GenerationMetrics exposes counters/histograms for model phases.
type GenerationMetrics struct {
	phaseTotal   *prometheus.CounterVec
	phaseLatency *prometheus.HistogramVec
	tokensTotal  *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	retryDelay   prometheus.Histogram
}

func NewGenerationMetrics(reg prometheus.Registerer) *GenerationMetrics {
	m := &GenerationMetrics{
		phaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_total",
			Help:      "Total explain/generate/update phases by outcome",
		}, []string{"phase", "template", "outcome"}),
		phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_latency_seconds",
			Help:      "Wall time of a model phase including retries",
			Buckets:   latencyBuckets,
		}, []string{"phase", "model", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_total",
			Help:      "Model tokens consumed",
		}, []string{"model", "direction"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_retries_total",
			Help:      "Retries after transient stream errors",
		}, []string{"provider"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_delay_seconds",
			Help:      "Backoff waited before a retry",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 60},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.phaseTotal, m.phaseLatency, m.tokensTotal, m.retriesTotal, m.retryDelay)
	return m
}

func (m *GenerationMetrics) ObservePhase(phase, template, model, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if outcome != "success" {
		status = "error"
	}
	m.phaseTotal.WithLabelValues(phase, template, outcome).Inc()
	m.phaseLatency.WithLabelValues(phase, model, status).Observe(elapsed.Seconds())
}

func (m *GenerationMetrics) ObserveTokens(model string, input, output int32) {
	if m == nil {
		return
	}
	if input > 0 {
		m.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
}

// ObserveRetry has the shape of a retry observer callback.
func (m *GenerationMetrics) ObserveRetry(provider string, _ int, delay time.Duration, _ error) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(provider).Inc()
	m.retryDelay.Observe(delay.Seconds())
}
