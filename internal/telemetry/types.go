// Package telemetry ingests per-execution outcome telemetry and maintains
// rolling effectiveness statistics for each (category, parameter signature)
// cohort.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawinfra/tuneclaw/internal/params"
)

// ErrValidation marks malformed telemetry rejected at the boundary.
var ErrValidation = errors.New("telemetry: invalid execution")

// Execution is one completed task execution. Immutable once recorded;
// append-only in the store.
type Execution struct {
	ID         string        `json:"id"`
	Category   string        `json:"category"`
	Params     params.Vector `json:"params"`
	Signature  string        `json:"signature"`
	LatencyMs  float64       `json:"latencyMs"`
	CostUSD    float64       `json:"costUsd"`
	Quality    float64       `json:"quality"` // 0-1
	Success    bool          `json:"success"`
	ErrorKind  string        `json:"errorKind,omitempty"`
	Complexity string        `json:"complexity,omitempty"`
	Domain     string        `json:"domain,omitempty"`

	// Satisfaction is patched in later when a rating arrives (0 = unrated).
	Satisfaction float64 `json:"satisfaction,omitempty"` // 1-5

	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects executions that must never enter the buffer.
func (e *Execution) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("%w: category required", ErrValidation)
	}
	if len(e.Params) == 0 {
		return fmt.Errorf("%w: parameter vector required", ErrValidation)
	}
	if e.Quality < 0 || e.Quality > 1 {
		return fmt.Errorf("%w: quality %.3f outside [0,1]", ErrValidation, e.Quality)
	}
	if e.LatencyMs < 0 {
		return fmt.Errorf("%w: negative latency", ErrValidation)
	}
	if e.CostUSD < 0 {
		return fmt.Errorf("%w: negative cost", ErrValidation)
	}
	return nil
}

// Trend holds the recent-half vs older-half relative change per metric.
// Positive always means improving: the speed and cost components are
// sign-inverted because lower is better for both.
type Trend struct {
	Quality float64 `json:"quality"`
	Speed   float64 `json:"speed"`
	Cost    float64 `json:"cost"`
}

// Correlations holds Pearson coefficients between selected metric pairs.
type Correlations struct {
	QualityLatency float64 `json:"qualityLatency"`
	QualityCost    float64 `json:"qualityCost"`
}

// Effectiveness summarizes one (category, signature) cohort.
type Effectiveness struct {
	Category        string        `json:"category"`
	Signature       string        `json:"signature"`
	Params          params.Vector `json:"params"`
	Count           int           `json:"count"`
	SuccessRate     float64       `json:"successRate"`
	AvgLatencyMs    float64       `json:"avgLatencyMs"`
	AvgCostUSD      float64       `json:"avgCostUsd"`
	AvgQuality      float64       `json:"avgQuality"`
	AvgSatisfaction float64       `json:"avgSatisfaction"`
	Trend           Trend         `json:"trend"`
	Correlations    Correlations  `json:"correlations"`
	LatencyVariance float64       `json:"latencyVariance"`
	QualityVariance float64       `json:"qualityVariance"`
	P95LatencyMs    float64       `json:"p95LatencyMs"`
	P99LatencyMs    float64       `json:"p99LatencyMs"`
	Confidence      float64       `json:"confidence"`
	LastUpdated     time.Time     `json:"lastUpdated"`
}

// PerformanceSummary is the category-wide roll-up used by health reporting.
type PerformanceSummary struct {
	Count        int     `json:"count"`
	SuccessRate  float64 `json:"successRate"`
	ErrorRate    float64 `json:"errorRate"`
	TimeoutRate  float64 `json:"timeoutRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	P50LatencyMs float64 `json:"p50LatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
	TotalCostUSD float64 `json:"totalCostUsd"`
}

// TimeRange bounds a history query. A zero range means all history.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// LastHours returns a range covering the trailing n hours.
func LastHours(n int) TimeRange {
	end := time.Now()
	return TimeRange{Start: end.Add(-time.Duration(n) * time.Hour), End: end}
}
