package autopilot

import (
	"testing"

	"github.com/clawinfra/tuneclaw/internal/config"
)

func assess(t *testing.T, action *Action, users int) RiskAssessment {
	t.Helper()
	return NewAssessor(testLogger()).Assess(action, config.DefaultConfig().Snapshot(), users)
}

func paramAction(from, to float64, confidence float64) *Action {
	return &Action{
		ID:         "a1",
		Type:       TypeParameterChange,
		Category:   "code_generation",
		Confidence: confidence,
		Changes:    []Change{{Parameter: "temperature", From: from, To: to}},
	}
}

func TestRiskMonotonicInDelta(t *testing.T) {
	small := assess(t, paramAction(0.5, 0.52, 0.9), 0)
	large := assess(t, paramAction(0.5, 0.65, 0.9), 0)

	if large.Score <= small.Score {
		t.Errorf("bigger move must score higher: %.3f vs %.3f", large.Score, small.Score)
	}
}

func TestRiskBuckets(t *testing.T) {
	// 4% relative move, high confidence, nobody affected.
	low := assess(t, paramAction(0.5, 0.52, 0.95), 0)
	if low.Level != RiskLow {
		t.Errorf("expected low, got %s (%.3f)", low.Level, low.Score)
	}

	// A move at the 30% limit with moderate confidence and real traffic.
	medium := assess(t, paramAction(0.5, 0.65, 0.7), 300)
	if medium.Level != RiskMedium {
		t.Errorf("expected medium, got %s (%.3f)", medium.Level, medium.Score)
	}

	// Saturated delta, saturated population, low confidence.
	a := paramAction(0.5, 1.5, 0.3)
	high := assess(t, a, 5000)
	if high.Level != RiskHigh {
		t.Errorf("expected high, got %s (%.3f)", high.Level, high.Score)
	}
}

func TestRiskDeltaSaturates(t *testing.T) {
	at := assess(t, paramAction(1.0, 1.3, 0.9), 0)
	beyond := assess(t, paramAction(1.0, 3.0, 0.9), 0)

	if at.DeltaShare != 1 || beyond.DeltaShare != 1 {
		t.Errorf("moves at or past the limit should saturate the share: %.2f, %.2f",
			at.DeltaShare, beyond.DeltaShare)
	}
}

func TestRiskZeroBaseline(t *testing.T) {
	// From zero, the absolute move counts against a base of 1.
	r := assess(t, paramAction(0, 0.1, 0.9), 0)
	if r.DeltaShare <= 0 {
		t.Errorf("a move away from zero must register, got %.3f", r.DeltaShare)
	}
}

func TestRiskNonParameterTypesWeighHeavier(t *testing.T) {
	param := paramAction(0.5, 0.52, 0.9)
	model := paramAction(0.5, 0.52, 0.9)
	model.Type = TypeModelChange

	pr := assess(t, param, 0)
	mr := assess(t, model, 0)
	if mr.Score <= pr.Score {
		t.Errorf("a model change must outscore the same parameter move: %.3f vs %.3f",
			mr.Score, pr.Score)
	}
}

func TestRiskMoreUsersMoreRisk(t *testing.T) {
	quiet := assess(t, paramAction(0.5, 0.6, 0.9), 5)
	busy := assess(t, paramAction(0.5, 0.6, 0.9), 900)

	if busy.Score <= quiet.Score {
		t.Errorf("more affected users must score higher: %.3f vs %.3f", busy.Score, quiet.Score)
	}
	if busy.AffectedUsers != 900 {
		t.Errorf("assessment should carry the population, got %d", busy.AffectedUsers)
	}
}

func TestRiskRationalePopulated(t *testing.T) {
	r := assess(t, paramAction(0.5, 0.6, 0.9), 10)
	if r.Rationale == "" {
		t.Error("rationale must always be populated")
	}
}
