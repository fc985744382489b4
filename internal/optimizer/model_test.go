package optimizer

import (
	"testing"

	"github.com/clawinfra/tuneclaw/internal/params"
)

func TestBetaModelUniformPrior(t *testing.T) {
	m := NewBetaModel()

	pred, err := m.Predict(params.Context{})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if pred.ExpectedReward != 0.5 {
		t.Errorf("uniform prior should predict 0.5, got %v", pred.ExpectedReward)
	}
}

func TestBetaModelLearnsFromSuccesses(t *testing.T) {
	m := NewBetaModel()

	for i := 0; i < 20; i++ {
		m.Update(Outcome{Success: true, Reward: 0.9, LatencyMs: 100})
	}

	pred, _ := m.Predict(params.Context{})
	if pred.ExpectedReward <= 0.7 {
		t.Errorf("20 successes should raise predicted reward well past 0.7, got %v", pred.ExpectedReward)
	}
	if m.Samples() != 20 {
		t.Errorf("expected 20 samples, got %d", m.Samples())
	}
}

func TestBetaModelLearnsFromFailures(t *testing.T) {
	m := NewBetaModel()

	for i := 0; i < 20; i++ {
		m.Update(Outcome{Success: false, Reward: 0.1, LatencyMs: 100})
	}

	pred, _ := m.Predict(params.Context{})
	if pred.ExpectedReward >= 0.3 {
		t.Errorf("20 failures should drop predicted reward below 0.3, got %v", pred.ExpectedReward)
	}
}

func TestBetaModelLatencyShading(t *testing.T) {
	m := NewBetaModel()
	for i := 0; i < 10; i++ {
		m.Update(Outcome{Success: true, Reward: 0.9, LatencyMs: 2000})
	}

	unconstrained, _ := m.Predict(params.Context{})
	constrained, _ := m.Predict(params.Context{MaxLatency: 500})

	if constrained.ExpectedReward >= unconstrained.ExpectedReward {
		t.Errorf("latency over the cap should shade reward down: %v vs %v",
			constrained.ExpectedReward, unconstrained.ExpectedReward)
	}
	if constrained.ExpectedLatencyMs != unconstrained.ExpectedLatencyMs {
		t.Error("latency estimate itself should be unaffected by the cap")
	}
}

func TestBetaModelEMATracksRecent(t *testing.T) {
	m := NewBetaModel()

	m.Update(Outcome{Success: true, Reward: 0.2, LatencyMs: 100})
	for i := 0; i < 10; i++ {
		m.Update(Outcome{Success: true, Reward: 0.9, LatencyMs: 100})
	}

	pred, _ := m.Predict(params.Context{})
	if pred.ExpectedReward < 0.7 {
		t.Errorf("EMA should track recent high rewards, got %v", pred.ExpectedReward)
	}
}
