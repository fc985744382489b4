package telemetry

import "fmt"

// ErrNoData is returned by Capture when a category has no live telemetry
// to judge against.
var ErrNoData = fmt.Errorf("telemetry: no live data for category")

// Metrics exposes the live cache as the flat metric snapshots the action
// loop evaluates actions against.
type Metrics struct {
	recorder *Recorder
}

// NewMetrics wraps the recorder's live cache.
func NewMetrics(r *Recorder) *Metrics {
	return &Metrics{recorder: r}
}

// Capture aggregates the category's live cohorts into one snapshot,
// weighted by cohort size. An empty cache is an error so callers treat a
// blind window as a reason to stay conservative.
func (m *Metrics) Capture(category string) (map[string]float64, error) {
	cohorts := m.recorder.Live(category)
	if len(cohorts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, category)
	}

	var total float64
	out := map[string]float64{
		"success_rate":   0,
		"avg_quality":    0,
		"avg_latency_ms": 0,
		"avg_cost_usd":   0,
	}
	for _, c := range cohorts {
		w := float64(c.Count)
		total += w
		out["success_rate"] += c.SuccessRate * w
		out["avg_quality"] += c.AvgQuality * w
		out["avg_latency_ms"] += c.AvgLatencyMs * w
		out["avg_cost_usd"] += c.AvgCostUSD * w
	}
	for k := range out {
		out[k] /= total
	}
	return out, nil
}
