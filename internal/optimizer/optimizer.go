package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/config"
	"github.com/clawinfra/tuneclaw/internal/events"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// Exploit/explore reward cut points for proposal adjustment.
const (
	highRewardCut = 0.7
	lowRewardCut  = 0.4
)

// Optimizer owns all per-category experiments. Experiments are created
// lazily and mutated under a per-category lock so concurrent Learn calls
// never lose trials.
type Optimizer struct {
	cfg      config.OptimizerConfig
	spaces   *params.Registry
	store    store.Store
	logger   *slog.Logger
	newModel func() Learner

	mu          sync.RWMutex
	bus         *events.Bus
	experiments map[string]*Experiment
	locks       map[string]*sync.Mutex

	insightMu sync.Mutex
	insights  []Insight

	abMu sync.RWMutex
	ab   map[string]*ABTest
}

// New creates an Optimizer backed by the given store and space registry.
func New(cfg config.OptimizerConfig, spaces *params.Registry, st store.Store, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		cfg:         cfg,
		spaces:      spaces,
		store:       st,
		logger:      logger.With("component", "optimizer"),
		newModel:    func() Learner { return NewBetaModel() },
		experiments: make(map[string]*Experiment),
		locks:       make(map[string]*sync.Mutex),
		ab:          make(map[string]*ABTest),
	}
}

// SetModelFactory swaps the learner implementation used for new
// experiments. Existing experiments keep their model.
func (o *Optimizer) SetModelFactory(f func() Learner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.newModel = f
}

// SetEventBus attaches an outbound event bus. Convergence transitions and
// emitted insights are published once set.
func (o *Optimizer) SetEventBus(bus *events.Bus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bus = bus
}

func (o *Optimizer) eventBus() *events.Bus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bus
}

// GetOptimizedParameters proposes a vector for the category and context.
// It never returns an error: any model or lookup failure degrades to the
// heuristic predictor with low confidence.
func (o *Optimizer) GetOptimizedParameters(category string, ctx params.Context) Recommendation {
	exp := o.experiment(category)
	space := o.spaces.Space(category)

	catLock := o.lock(category)
	catLock.Lock()
	trialCount := len(exp.Trials)
	best := exp.Best.Clone()
	state := exp.State
	catLock.Unlock()

	if trialCount < o.cfg.MinSamples || len(best) == 0 {
		return o.heuristic(category, ctx, "insufficient history")
	}

	pred, err := exp.model.Predict(ctx)
	if err != nil {
		o.logger.Warn("model prediction failed, using heuristic",
			"category", category, "error", fmt.Errorf("%w: %v", ErrModel, err))
		return o.heuristic(category, ctx, "model unavailable")
	}

	// Exploit when the posterior looks good: contract toward the best
	// known vector. Explore when it looks bad or slow: widen away from it.
	spread := 0.05
	rationale := "exploiting best known parameters"
	latencyPoor := ctx.MaxLatency > 0 && pred.ExpectedLatencyMs > ctx.MaxLatency
	switch {
	case pred.ExpectedReward < lowRewardCut || latencyPoor:
		spread = 0.25
		rationale = "low predicted reward, widening search"
	case pred.ExpectedReward < highRewardCut:
		spread = 0.12
		rationale = "moderate predicted reward, balanced search"
	}

	proposal := best.Clone()
	for _, d := range space.Dimensions {
		v, ok := proposal[d.Name]
		if !ok {
			v = d.Default
		}
		jitter := (rand.Float64()*2 - 1) * spread * (d.Max - d.Min)
		proposal[d.Name] = v + jitter
	}
	for k, v := range ctx.Preference {
		proposal[k] = v
	}
	proposal = space.Clamp(proposal)

	conf := o.confidence(trialCount, state)
	return Recommendation{
		Category:   category,
		Params:     proposal,
		Confidence: conf,
		Strength:   strengthLabel(conf),
		Source:     "experiment",
		Rationale:  fmt.Sprintf("%s (reward=%.2f, trials=%d, %s)", rationale, pred.ExpectedReward, trialCount, state),
	}
}

// Learn appends a trial to the category's experiment, updates the model,
// recomputes convergence, and periodically emits insights. Persistence
// failures are logged, never surfaced.
func (o *Optimizer) Learn(category string, p params.Vector, score, latencyMs float64, meta map[string]string) {
	exp := o.experiment(category)
	space := o.spaces.Space(category)

	trial := Trial{
		ID:        uuid.New().String(),
		Params:    space.Clamp(p),
		Score:     score,
		LatencyMs: latencyMs,
		Meta:      meta,
		Timestamp: time.Now(),
	}

	catLock := o.lock(category)
	catLock.Lock()

	exp.Trials = append(exp.Trials, trial)
	if score > exp.BestScore || len(exp.Best) == 0 {
		exp.Best = trial.Params.Clone()
		exp.BestScore = score
	}

	if err := exp.model.Update(Outcome{
		Success:   score > o.cfg.SuccessThreshold,
		Reward:    score,
		LatencyMs: latencyMs,
	}); err != nil {
		o.logger.Warn("model update failed", "category", category, "error", fmt.Errorf("%w: %v", ErrModel, err))
	}

	prevState := exp.State
	exp.State = o.convergence(exp.Trials)
	state := exp.State
	n := len(exp.Trials)
	best := exp.BestScore
	avg := runningAverage(exp.Trials)

	catLock.Unlock()

	if prevState != StateConverged && state == StateConverged {
		o.logger.Info("experiment converged", "category", category, "trials", n, "best", best)
		if bus := o.eventBus(); bus != nil {
			bus.Publish(context.Background(), events.Event{
				Type:     events.TypeExperimentConverged,
				Category: category,
				Detail:   map[string]any{"trials": n, "best_score": best},
			})
		}
	}

	// Every 10th trial, surface a parameter-adjustment insight when the
	// best trial clearly beats the running average.
	if n%10 == 0 && avg > 0 && best > avg*1.10 {
		o.emitInsight(category, best, avg, n)
	}

	if err := o.store.Insert(context.Background(), store.TableTrials, trialRecord(category, trial)); err != nil {
		o.logger.Warn("trial persist failed", "category", category, "error", err)
	}
}

// State returns the convergence state for a category.
func (o *Optimizer) State(category string) string {
	exp := o.experiment(category)
	catLock := o.lock(category)
	catLock.Lock()
	defer catLock.Unlock()
	return exp.State
}

// Best returns the best-known vector and score for a category.
func (o *Optimizer) Best(category string) (params.Vector, float64) {
	exp := o.experiment(category)
	catLock := o.lock(category)
	catLock.Lock()
	defer catLock.Unlock()
	return exp.Best.Clone(), exp.BestScore
}

// TrialCount returns the number of recorded trials for a category.
func (o *Optimizer) TrialCount(category string) int {
	exp := o.experiment(category)
	catLock := o.lock(category)
	catLock.Lock()
	defer catLock.Unlock()
	return len(exp.Trials)
}

// DrainInsights returns and clears the pending optimizer insights.
func (o *Optimizer) DrainInsights() []Insight {
	o.insightMu.Lock()
	defer o.insightMu.Unlock()
	out := o.insights
	o.insights = nil
	return out
}

// heuristic produces the static fallback recommendation.
func (o *Optimizer) heuristic(category string, ctx params.Context, why string) Recommendation {
	return Recommendation{
		Category:   category,
		Params:     o.spaces.Heuristic(category, ctx),
		Confidence: 0.3,
		Strength:   StrengthWeak,
		Source:     "heuristic",
		Rationale:  "heuristic defaults: " + why,
	}
}

// convergence classifies an experiment from its trial history: exploring
// until the floor, then judged by the variance of the last 10 scores.
func (o *Optimizer) convergence(trials []Trial) string {
	floor := o.cfg.ExploringFloor
	if floor <= 0 {
		floor = 20
	}
	if len(trials) < floor {
		return StateExploring
	}

	recent := trials
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	scores := make([]float64, len(recent))
	for i, t := range recent {
		scores[i] = t.Score
	}

	v := scoreVariance(scores)
	threshold := o.cfg.ConvergedVariance
	if threshold <= 0 {
		threshold = 0.05
	}
	switch {
	case v < threshold:
		return StateConverged
	case v < 2*threshold:
		return StateConverging
	default:
		return StateExploring
	}
}

func (o *Optimizer) confidence(trials int, state string) float64 {
	n0 := o.cfg.ConfidenceSamples
	if n0 <= 0 {
		n0 = 100
	}
	c := float64(trials) / float64(n0)
	switch state {
	case StateConverged:
		c += 0.25
	case StateConverging:
		c += 0.10
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func (o *Optimizer) emitInsight(category string, best, avg float64, trials int) {
	bestParams, _ := o.Best(category)
	ins := Insight{
		ID:              uuid.New().String(),
		Type:            InsightParameterAdjustment,
		Category:        category,
		Recommended:     bestParams,
		Priority:        0.7,
		Confidence:      o.confidence(trials, o.State(category)),
		EstimatedImpact: (best - avg) / avg,
		Evidence:        []string{fmt.Sprintf("best trial %.3f vs running average %.3f over %d trials", best, avg, trials)},
		Description:     fmt.Sprintf("best parameters for %s outperform the running average by %.0f%%", category, (best-avg)/avg*100),
		CreatedAt:       time.Now(),
	}

	o.insightMu.Lock()
	o.insights = append(o.insights, ins)
	o.insightMu.Unlock()

	if bus := o.eventBus(); bus != nil {
		bus.Publish(context.Background(), events.Event{
			Type:     events.TypeInsightGenerated,
			Category: category,
			Subject:  ins.ID,
			Detail:   map[string]any{"type": ins.Type, "impact": ins.EstimatedImpact},
		})
	}

	o.logger.Info("insight emitted", "category", category, "impact", ins.EstimatedImpact)
}

// experiment returns the category's experiment, creating it lazily.
func (o *Optimizer) experiment(category string) *Experiment {
	o.mu.RLock()
	exp, ok := o.experiments[category]
	o.mu.RUnlock()
	if ok {
		return exp
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if exp, ok = o.experiments[category]; ok {
		return exp
	}
	exp = &Experiment{
		Category: category,
		State:    StateExploring,
		model:    o.newModel(),
	}
	o.experiments[category] = exp
	o.locks[category] = &sync.Mutex{}
	o.logger.Info("experiment created", "category", category)
	return exp
}

func (o *Optimizer) lock(category string) *sync.Mutex {
	o.mu.RLock()
	l, ok := o.locks[category]
	o.mu.RUnlock()
	if ok {
		return l
	}
	// experiment() creates the lock alongside the experiment
	o.experiment(category)
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.locks[category]
}

func runningAverage(trials []Trial) float64 {
	if len(trials) == 0 {
		return 0
	}
	var sum float64
	for _, t := range trials {
		sum += t.Score
	}
	return sum / float64(len(trials))
}

func scoreVariance(scores []float64) float64 {
	n := len(scores)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	m := sum / float64(n)
	var sq float64
	for _, s := range scores {
		d := s - m
		sq += d * d
	}
	return sq / float64(n-1)
}

func trialRecord(category string, t Trial) store.Record {
	return store.Record{
		"id":         t.ID,
		"created_at": t.Timestamp,
		"category":   category,
		"params":     map[string]float64(t.Params),
		"score":      t.Score,
		"latency_ms": t.LatencyMs,
		"meta":       t.Meta,
	}
}
