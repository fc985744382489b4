package optimizer

import (
	"math"
	"sync"

	"github.com/clawinfra/tuneclaw/internal/params"
)

// BetaModel is the default online learner: a Beta-Bernoulli posterior over
// success plus exponential moving averages of reward and latency. Cheap,
// self-contained, and adequate for one arm per category; anything richer
// plugs in behind the Learner interface.
type BetaModel struct {
	mu sync.Mutex

	alpha float64 // successes + 1
	beta  float64 // failures + 1

	rewardEMA  float64
	latencyEMA float64
	n          int
}

// emaWeight matches the evaluation weight the evolution literature and the
// rest of this codebase use for streaming fitness.
const emaWeight = 0.3

// NewBetaModel creates a learner with a uniform prior.
func NewBetaModel() *BetaModel {
	return &BetaModel{alpha: 1, beta: 1}
}

// Predict returns the posterior mean success blended with the reward EMA,
// and the latency EMA. Context latency caps shade the reward down when the
// model's latency estimate exceeds them.
func (m *BetaModel) Predict(ctx params.Context) (Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	successMean := m.alpha / (m.alpha + m.beta)
	reward := successMean
	if m.n > 0 {
		reward = 0.5*successMean + 0.5*m.rewardEMA
	}

	if ctx.MaxLatency > 0 && m.latencyEMA > ctx.MaxLatency {
		over := (m.latencyEMA - ctx.MaxLatency) / ctx.MaxLatency
		reward *= math.Max(0, 1-over)
	}

	return Prediction{ExpectedReward: reward, ExpectedLatencyMs: m.latencyEMA}, nil
}

// Update folds one outcome into the posterior and the EMAs.
func (m *BetaModel) Update(o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Success {
		m.alpha++
	} else {
		m.beta++
	}

	if m.n == 0 {
		m.rewardEMA = o.Reward
		m.latencyEMA = o.LatencyMs
	} else {
		m.rewardEMA = emaWeight*o.Reward + (1-emaWeight)*m.rewardEMA
		m.latencyEMA = emaWeight*o.LatencyMs + (1-emaWeight)*m.latencyEMA
	}
	m.n++
	return nil
}

// Samples returns the number of outcomes folded in.
func (m *BetaModel) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}
