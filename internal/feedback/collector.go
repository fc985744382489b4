package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// Learner is the slice of the optimizer the collector needs: immediate
// priority trials for very negative feedback.
type Learner interface {
	Learn(category string, p params.Vector, score, latencyMs float64, meta map[string]string)
	DrainInsights() []optimizer.Insight
}

// ParamsLookup resolves the parameter vector behind an execution so a
// priority trial can reference it. Returning ok=false skips the trial.
type ParamsLookup func(ctx context.Context, executionID string) (params.Vector, bool)

// ExecutionUpdater patches a stored execution when a rating for it
// arrives after the fact.
type ExecutionUpdater interface {
	UpdateFeedback(ctx context.Context, executionID string, satisfaction, quality float64)
}

// Collector ingests feedback, buffers it for batched persistence, and
// derives learning signals. Persistence failures never block signal
// extraction; unflushed entries are retried, never dropped.
type Collector struct {
	store      store.Store
	learner    Learner
	lookup     ParamsLookup
	executions ExecutionUpdater
	spaces     *params.Registry
	logger     *slog.Logger

	mu      sync.Mutex
	buffer  []*Feedback
	signals []Signal

	maxSignals int
}

// NewCollector creates a Collector. lookup may be nil, in which case
// priority trials use the category's default vector.
func NewCollector(st store.Store, learner Learner, lookup ParamsLookup, spaces *params.Registry, logger *slog.Logger) *Collector {
	return &Collector{
		store:      st,
		learner:    learner,
		lookup:     lookup,
		spaces:     spaces,
		logger:     logger.With("component", "feedback"),
		maxSignals: 500,
	}
}

// SetExecutionUpdater enables patching the rated execution's stored
// record. Feedback without an execution id is unaffected.
func (c *Collector) SetExecutionUpdater(u ExecutionUpdater) {
	c.executions = u
}

// Collect validates and ingests one feedback submission: buffer for
// persistence, derive signals, and forward a priority trial when the
// experience was bad enough.
func (c *Collector) Collect(f *Feedback) error {
	if err := f.Validate(); err != nil {
		c.logger.Warn("feedback rejected", "category", f.Category, "error", err)
		return err
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	derived := c.deriveSignals(f)

	c.mu.Lock()
	c.buffer = append(c.buffer, f)
	c.signals = append(c.signals, derived...)
	// Signals are ephemeral; cap the backlog rather than grow forever.
	if len(c.signals) > c.maxSignals {
		c.signals = c.signals[len(c.signals)-c.maxSignals:]
	}
	c.mu.Unlock()

	if c.executions != nil && f.ExecutionID != "" && f.Overall > 0 {
		quality := float64(f.Quality)
		if quality > 0 {
			quality = (quality - 1) / 4
		}
		c.executions.UpdateFeedback(context.Background(), f.ExecutionID, float64(f.Overall), quality)
	}

	if f.Overall > 0 && f.Overall <= 2 || f.Incorrect {
		c.forwardPriorityTrial(f)
	}

	c.logger.Debug("feedback collected", "id", f.ID, "category", f.Category, "signals", len(derived))
	return nil
}

// Run flushes buffered feedback on the interval until ctx is cancelled,
// with a final flush on shutdown.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("feedback flusher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			c.logger.Info("feedback flusher stopped")
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush persists buffered feedback. Failed entries return to the buffer.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	var failed []*Feedback
	for _, f := range batch {
		if err := c.store.Insert(ctx, store.TableFeedback, feedbackRecord(f)); err != nil {
			failed = append(failed, f)
		}
	}
	if len(failed) > 0 {
		c.mu.Lock()
		c.buffer = append(failed, c.buffer...)
		c.mu.Unlock()
		c.logger.Error("feedback flush failed, re-queued", "failed", len(failed))
	}
}

// ConsumeSignals returns and prunes all signals at or above minStrength.
// Weaker signals are discarded at the same time: a signal not strong
// enough when gathered will not get stronger by waiting.
func (c *Collector) ConsumeSignals(minStrength float64) []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Signal
	for _, s := range c.signals {
		if s.Strength >= minStrength {
			out = append(out, s)
		}
	}
	c.signals = nil
	return out
}

// PendingSignals returns the current backlog size.
func (c *Collector) PendingSignals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

// deriveSignals applies the fixed distillation rules.
func (c *Collector) deriveSignals(f *Feedback) []Signal {
	var out []Signal
	now := time.Now()

	// Poor quality: move temperature. Creative categories run hot by
	// default, so bad quality there means reining the sampler in; precise
	// categories get the opposite nudge.
	if f.Quality > 0 && f.Quality <= 2 {
		direction := DirectionIncrease
		if c.isCreative(f.Category) {
			direction = DirectionDecrease
		}
		out = append(out, Signal{
			Source:            f.ID,
			Category:          f.Category,
			ParameterAffected: "temperature",
			RecommendedAction: direction,
			Strength:          0.8,
			CreatedAt:         now,
		})
	}

	// Slow: shrink the output budget.
	if f.Speed > 0 && f.Speed <= 2 {
		out = append(out, Signal{
			Source:            f.ID,
			Category:          f.Category,
			ParameterAffected: "max_tokens",
			RecommendedAction: DirectionDecrease,
			Strength:          0.7,
			CreatedAt:         now,
		})
	}

	// Stated preferences become weak experiment signals.
	if f.Preference != "" {
		out = append(out, Signal{
			Source:            f.ID,
			Category:          f.Category,
			ParameterAffected: f.Preference,
			RecommendedAction: DirectionExperiment,
			Strength:          0.4,
			CreatedAt:         now,
		})
	}

	return out
}

// isCreative checks whether the category's default temperature marks it as
// an expressive, high-temperature task.
func (c *Collector) isCreative(category string) bool {
	space := c.spaces.Space(category)
	if d, ok := space.Dimension("temperature"); ok {
		return d.Default >= 0.7
	}
	return false
}

// forwardPriorityTrial turns very negative feedback into an immediate
// optimizer trial with a normalized score.
func (c *Collector) forwardPriorityTrial(f *Feedback) {
	var vec params.Vector
	if c.lookup != nil && f.ExecutionID != "" {
		if v, ok := c.lookup(context.Background(), f.ExecutionID); ok {
			vec = v
		}
	}
	if vec == nil {
		vec = c.spaces.Space(f.Category).Defaults()
	}

	score := 0.0
	if f.Overall > 0 {
		score = float64(f.Overall-1) / 4.0 // 1-5 -> 0-1
	}
	if f.Incorrect && score > 0.25 {
		score = 0.25
	}

	c.learner.Learn(f.Category, vec, score, 0, map[string]string{
		"source":   "feedback",
		"feedback": f.ID,
		"priority": "true",
	})
	c.logger.Info("priority trial forwarded", "category", f.Category, "score", score, "feedback", f.ID)
}

func feedbackRecord(f *Feedback) store.Record {
	return store.Record{
		"id":              f.ID,
		"created_at":      f.Timestamp,
		"execution_id":    f.ExecutionID,
		"category":        f.Category,
		"quality":         f.Quality,
		"speed":           f.Speed,
		"accuracy":        f.Accuracy,
		"usefulness":      f.Usefulness,
		"overall":         f.Overall,
		"nps":             f.NPS,
		"comment":         f.Comment,
		"issue":           f.Issue,
		"incorrect":       f.Incorrect,
		"would_use_again": f.WouldUseAgain,
	}
}
