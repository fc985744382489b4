package autopilot

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/clawinfra/tuneclaw/internal/config"
)

// Risk bucket boundaries.
const (
	riskMediumCut = 0.4
	riskHighCut   = 0.7
)

// affectedUsersSaturation is the 24h execution count treated as "everyone".
const affectedUsersSaturation = 1000

// Assessor scores candidate actions against the operator policy. The
// relative parameter delta dominates the score so bigger moves are always
// riskier than smaller ones.
type Assessor struct {
	logger *slog.Logger
}

// NewAssessor creates a risk Assessor.
func NewAssessor(logger *slog.Logger) *Assessor {
	return &Assessor{logger: logger.With("component", "risk")}
}

// Assess scores the action. affectedUsers is the recent execution count
// for the category, the population the change will touch.
func (a *Assessor) Assess(action *Action, policy config.Policy, affectedUsers int) RiskAssessment {
	delta := deltaShare(action.Changes, policy.Safeguards.MaxParameterDeltaPct)
	users := math.Min(1, float64(affectedUsers)/affectedUsersSaturation)
	complexity := complexityWeight(action)
	inverseConf := 1 - clamp01(action.Confidence)

	score := 0.50*delta + 0.20*users + 0.15*complexity + 0.15*inverseConf
	score = clamp01(score)

	level := RiskLow
	switch {
	case score >= riskHighCut:
		level = RiskHigh
	case score >= riskMediumCut:
		level = RiskMedium
	}

	assessment := RiskAssessment{
		Score:         score,
		Level:         level,
		DeltaShare:    delta,
		AffectedUsers: affectedUsers,
		Rationale: fmt.Sprintf(
			"delta %.0f%% of limit, %d recent users, complexity %.2f, confidence %.2f",
			delta*100, affectedUsers, complexity, action.Confidence),
	}

	a.logger.Debug("action assessed",
		"action", action.ID, "score", score, "level", level, "delta", delta)
	return assessment
}

// deltaShare is the largest relative parameter move as a fraction of the
// policy limit. A move at the limit scores 1; moves beyond it saturate.
func deltaShare(changes []Change, maxDeltaPct float64) float64 {
	if maxDeltaPct <= 0 {
		return 1
	}
	var worst float64
	for _, c := range changes {
		base := math.Abs(c.From)
		if base == 0 {
			base = 1
		}
		rel := math.Abs(c.To-c.From) / base * 100
		if share := rel / maxDeltaPct; share > worst {
			worst = share
		}
	}
	return math.Min(1, worst)
}

// complexityWeight grows with the number of simultaneous changes and jumps
// for action types beyond plain parameter moves.
func complexityWeight(action *Action) float64 {
	w := math.Min(1, float64(len(action.Changes))/5)
	if action.Type != TypeParameterChange {
		w = math.Max(w, 0.8)
	}
	return w
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
