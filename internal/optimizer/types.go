// Package optimizer maintains per-category experiments over parameter
// space, learns from trial outcomes, and arbitrates A/B tests. Proposal
// never fails toward the caller: every error path degrades to the
// heuristic predictor.
package optimizer

import (
	"errors"
	"time"

	"github.com/clawinfra/tuneclaw/internal/params"
)

// ErrModel marks probabilistic model failures; the optimizer logs them and
// falls back to the heuristic, never surfacing them to callers.
var ErrModel = errors.New("optimizer: model failure")

// Convergence states of an experiment.
const (
	StateExploring  = "exploring"
	StateConverging = "converging"
	StateConverged  = "converged"
)

// Recommendation strength labels.
const (
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)

// strengthLabel buckets a confidence value into a strength label.
func strengthLabel(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return StrengthStrong
	case confidence >= 0.5:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// Trial is one proposed parameter vector plus its observed outcome.
// Append-only within an experiment.
type Trial struct {
	ID        string            `json:"id"`
	Params    params.Vector     `json:"params"`
	Score     float64           `json:"score"` // 0-1 reward
	LatencyMs float64           `json:"latencyMs"`
	Meta      map[string]string `json:"meta,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Experiment is the per-category optimization state. Created lazily on
// first request and never discarded.
type Experiment struct {
	Category  string        `json:"category"`
	Trials    []Trial       `json:"trials"`
	Best      params.Vector `json:"best"`
	BestScore float64       `json:"bestScore"`
	State     string        `json:"state"`

	model Learner
}

// Prediction is a posterior estimate for a context.
type Prediction struct {
	ExpectedReward    float64
	ExpectedLatencyMs float64
}

// Outcome feeds one observed result back into a learner.
type Outcome struct {
	Success   bool
	Reward    float64
	LatencyMs float64
}

// Learner is the pluggable online model behind an experiment. Any bandit
// or regression algorithm satisfying this can drive proposals.
type Learner interface {
	Predict(ctx params.Context) (Prediction, error)
	Update(o Outcome) error
}

// Recommendation is the answer to a parameter request.
type Recommendation struct {
	Category   string        `json:"category"`
	Params     params.Vector `json:"params"`
	Confidence float64       `json:"confidence"`
	Strength   string        `json:"strength"`
	Source     string        `json:"source"` // "heuristic" or "experiment"
	Rationale  string        `json:"rationale"`
}

// Insight is a synthesized, evidence-backed recommendation. The optimizer
// emits parameter_adjustment insights; the feedback synthesizer emits
// bug_report and improvement_opportunity ones.
type Insight struct {
	ID              string        `json:"id"`
	Type            string        `json:"type"`
	Category        string        `json:"category"`
	Parameter       string        `json:"parameter,omitempty"`
	Recommended     params.Vector `json:"recommended,omitempty"`
	Priority        float64       `json:"priority"`   // 0-1
	Confidence      float64       `json:"confidence"` // 0-1
	EstimatedImpact float64       `json:"estimatedImpact"`
	Evidence        []string      `json:"evidence,omitempty"`
	Description     string        `json:"description"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Insight types.
const (
	InsightParameterAdjustment    = "parameter_adjustment"
	InsightBugReport              = "bug_report"
	InsightImprovementOpportunity = "improvement_opportunity"
)
