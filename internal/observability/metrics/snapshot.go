package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const phaseLatencyFamily = "arch2code_generation_phase_latency_seconds"

// LatencyBucket is one histogram bucket in a snapshot.
type LatencyBucket struct {
	LeSeconds float64 `json:"le_seconds"`
	Label     string  `json:"label,omitempty"`
	Count     int64   `json:"count"`
}

// LatencySnapshot summarises successful phase latency for one phase, or all
// phases when built with an empty phase.
type LatencySnapshot struct {
	Phase   string          `json:"phase,omitempty"`
	Total   int64           `json:"total"`
	P50Ms   float64         `json:"p50_ms"`
	P90Ms   float64         `json:"p90_ms"`
	P95Ms   float64         `json:"p95_ms"`
	Buckets []LatencyBucket `json:"buckets"`
}

// SnapshotLatency aggregates the phase latency histogram across models,
// keeping only status="ok".
func SnapshotLatency(gatherer prometheus.Gatherer, phase string) LatencySnapshot {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	empty := LatencySnapshot{Phase: phase, Buckets: []LatencyBucket{}}
	mfs, err := gatherer.Gather()
	if err != nil {
		return empty
	}

	var family *dto.MetricFamily
	for _, mf := range mfs {
		if mf != nil && mf.GetName() == phaseLatencyFamily {
			family = mf
			break
		}
	}
	if family == nil {
		return empty
	}

	cumulativeByUpper := map[float64]uint64{}
	var sampleCount uint64
	for _, metric := range family.Metric {
		if metric == nil || !hasLabel(metric, "status", "ok") {
			continue
		}
		if phase != "" && !hasLabel(metric, "phase", phase) {
			continue
		}
		h := metric.GetHistogram()
		if h == nil {
			continue
		}
		sampleCount += h.GetSampleCount()
		hasInf := false
		for _, b := range h.Bucket {
			if b == nil {
				continue
			}
			hasInf = hasInf || math.IsInf(b.GetUpperBound(), 1)
			cumulativeByUpper[b.GetUpperBound()] += b.GetCumulativeCount()
		}
		if !hasInf {
			cumulativeByUpper[math.Inf(1)] += h.GetSampleCount()
		}
	}
	if sampleCount == 0 {
		return empty
	}

	uppers := make([]float64, 0, len(cumulativeByUpper))
	for upper := range cumulativeByUpper {
		uppers = append(uppers, upper)
	}
	sort.Float64s(uppers)

	buckets := make([]LatencyBucket, 0, len(uppers))
	var prev uint64
	var lastFiniteUpper float64
	for _, upper := range uppers {
		cum := cumulativeByUpper[upper]
		count := int64(cum)
		if cum >= prev {
			count = int64(cum - prev)
		}
		prev = cum
		if math.IsInf(upper, 1) {
			if count > 0 {
				buckets = append(buckets, LatencyBucket{
					LeSeconds: lastFiniteUpper,
					Label:     fmt.Sprintf(">%gs", lastFiniteUpper),
					Count:     count,
				})
			}
			continue
		}
		lastFiniteUpper = upper
		buckets = append(buckets, LatencyBucket{LeSeconds: upper, Count: count})
	}

	return LatencySnapshot{
		Phase:   phase,
		Total:   int64(sampleCount),
		P50Ms:   histogramQuantile(0.50, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		P90Ms:   histogramQuantile(0.90, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		P95Ms:   histogramQuantile(0.95, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		Buckets: buckets,
	}
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.Label {
		if lp != nil && lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// histogramQuantile linearly interpolates inside the bucket holding the
// q-th sample. Samples past the last finite bound report that bound.
func histogramQuantile(q float64, total uint64, uppers []float64, cumulativeByUpper map[float64]uint64) float64 {
	if total == 0 || q <= 0 || len(uppers) == 0 {
		return 0
	}
	target := q * float64(total)
	var prevUpper, prevCum float64
	for _, upper := range uppers {
		cum := float64(cumulativeByUpper[upper])
		if cum < target {
			prevUpper = upper
			prevCum = cum
			continue
		}
		if math.IsInf(upper, 1) {
			return prevUpper
		}
		bucketCount := cum - prevCum
		if bucketCount <= 0 {
			return upper
		}
		fraction := math.Min(math.Max((target-prevCum)/bucketCount, 0), 1)
		return prevUpper + fraction*(upper-prevUpper)
	}
	return prevUpper
}
