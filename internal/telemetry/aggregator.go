package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// minCohortSamples is the floor below which a cohort reports neutral
// trend/correlation defaults instead of noise.
const minCohortSamples = 5

// Aggregator recomputes effectiveness statistics from full history.
// The recorder's live cache covers the streaming path; this covers the
// periodic, exact recomputation.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger
}

// NewAggregator creates an Aggregator over the given store.
func NewAggregator(st store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger.With("component", "aggregator")}
}

// Effectiveness groups the category's history by parameter signature and
// computes per-cohort statistics. It never fails toward the caller: store
// errors log and return an empty slice.
func (a *Aggregator) Effectiveness(ctx context.Context, category string, tr TimeRange) []*Effectiveness {
	recs, err := a.store.Query(ctx, store.TableExecutions, store.Filter{
		Equals: map[string]any{"category": category},
		Since:  tr.Start,
		Until:  tr.End,
	})
	if err != nil {
		a.logger.Error("effectiveness query failed", "category", category, "error", err)
		return nil
	}

	groups := make(map[string][]*Execution)
	for _, rec := range recs {
		e := executionFromRecord(rec)
		if e == nil {
			continue
		}
		groups[e.Signature] = append(groups[e.Signature], e)
	}

	out := make([]*Effectiveness, 0, len(groups))
	for sig, execs := range groups {
		// Store returns newest first; statistics below want oldest first.
		sort.Slice(execs, func(i, j int) bool {
			return execs[i].Timestamp.Before(execs[j].Timestamp)
		})
		out = append(out, a.cohort(category, sig, execs))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Summary rolls a category's history up into one performance summary.
func (a *Aggregator) Summary(ctx context.Context, category string, tr TimeRange) PerformanceSummary {
	recs, err := a.store.Query(ctx, store.TableExecutions, store.Filter{
		Equals: map[string]any{"category": category},
		Since:  tr.Start,
		Until:  tr.End,
	})
	if err != nil {
		a.logger.Error("summary query failed", "category", category, "error", err)
		return PerformanceSummary{}
	}

	var s PerformanceSummary
	var latencies []float64
	for _, rec := range recs {
		e := executionFromRecord(rec)
		if e == nil {
			continue
		}
		s.Count++
		if e.Success {
			s.SuccessRate++
		}
		if strings.Contains(e.ErrorKind, "timeout") {
			s.TimeoutRate++
		}
		s.TotalCostUSD += e.CostUSD
		latencies = append(latencies, e.LatencyMs)
	}
	if s.Count == 0 {
		return s
	}

	n := float64(s.Count)
	s.SuccessRate /= n
	s.ErrorRate = 1 - s.SuccessRate
	s.TimeoutRate /= n
	s.AvgLatencyMs = mean(latencies)
	sort.Float64s(latencies)
	s.P50LatencyMs = percentile(latencies, 0.50)
	s.P95LatencyMs = percentile(latencies, 0.95)
	s.P99LatencyMs = percentile(latencies, 0.99)
	return s
}

func (a *Aggregator) cohort(category, sig string, execs []*Execution) *Effectiveness {
	n := len(execs)
	eff := &Effectiveness{
		Category:   category,
		Signature:  sig,
		Params:     execs[0].Params.Clone(),
		Count:      n,
		Confidence: confidence(n, 100),
	}

	var latencies, costs, qualities, sats []float64
	successes := 0
	for _, e := range execs {
		latencies = append(latencies, e.LatencyMs)
		costs = append(costs, e.CostUSD)
		qualities = append(qualities, e.Quality)
		if e.Satisfaction > 0 {
			sats = append(sats, e.Satisfaction)
		}
		if e.Success {
			successes++
		}
		if e.Timestamp.After(eff.LastUpdated) {
			eff.LastUpdated = e.Timestamp
		}
	}

	eff.SuccessRate = float64(successes) / float64(n)
	eff.AvgLatencyMs = mean(latencies)
	eff.AvgCostUSD = mean(costs)
	eff.AvgQuality = mean(qualities)
	eff.AvgSatisfaction = mean(sats)
	eff.LatencyVariance = variance(latencies)
	eff.QualityVariance = variance(qualities)

	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	eff.P95LatencyMs = percentile(sorted, 0.95)
	eff.P99LatencyMs = percentile(sorted, 0.99)

	// Below the sample floor, trend and correlation stay at neutral zero.
	if n >= minCohortSamples {
		eff.Trend = Trend{
			Quality: halfTrend(qualities),
			Speed:   -halfTrend(latencies),
			Cost:    -halfTrend(costs),
		}
		eff.Correlations = Correlations{
			QualityLatency: pearson(qualities, latencies),
			QualityCost:    pearson(qualities, costs),
		}
	}

	return eff
}

// executionFromRecord rebuilds an Execution from a store row; nil if the
// row is missing required fields.
func executionFromRecord(rec store.Record) *Execution {
	category, _ := rec["category"].(string)
	sig, _ := rec["signature"].(string)
	if category == "" || sig == "" {
		return nil
	}

	e := &Execution{
		ID:        asString(rec["id"]),
		Category:  category,
		Signature: sig,
		Params:    params.Vector{},
		Timestamp: recordTimestamp(rec["created_at"]),
	}
	switch pv := rec["params"].(type) {
	case map[string]float64:
		for k, v := range pv {
			e.Params[k] = v
		}
	case map[string]any:
		for k, v := range pv {
			if f, ok := v.(float64); ok {
				e.Params[k] = f
			}
		}
	}
	e.LatencyMs = asFloat(rec["latency_ms"])
	e.CostUSD = asFloat(rec["cost_usd"])
	e.Quality = asFloat(rec["quality"])
	e.Satisfaction = asFloat(rec["satisfaction"])
	e.Success, _ = rec["success"].(bool)
	e.ErrorKind = asString(rec["error_kind"])
	e.Complexity = asString(rec["complexity"])
	e.Domain = asString(rec["domain"])
	return e
}

// halfTrend compares the mean of the recent half against the older half,
// relative to the older mean. Fewer than minCohortSamples values yield 0.
func halfTrend(values []float64) float64 {
	n := len(values)
	if n < minCohortSamples {
		return 0
	}
	half := n / 2
	older := mean(values[:half])
	recent := mean(values[n-half:])
	if older == 0 {
		return 0
	}
	return (recent - older) / older
}

// pearson computes the correlation coefficient of two equal-length series.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(n-1)
}

// percentile interpolates linearly over an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func recordTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case int64:
		return float64(f)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
