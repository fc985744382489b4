package feedback

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingLearner captures Learn calls and serves canned insights.
type recordingLearner struct {
	mu       sync.Mutex
	calls    []learnCall
	insights []optimizer.Insight
}

type learnCall struct {
	category string
	params   params.Vector
	score    float64
	meta     map[string]string
}

func (l *recordingLearner) Learn(category string, p params.Vector, score, latencyMs float64, meta map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, learnCall{category: category, params: p.Clone(), score: score, meta: meta})
}

func (l *recordingLearner) DrainInsights() []optimizer.Insight {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.insights
	l.insights = nil
	return out
}

func (l *recordingLearner) learnCalls() []learnCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]learnCall(nil), l.calls...)
}

func newTestCollector(t *testing.T) (*Collector, *store.Mem, *recordingLearner) {
	t.Helper()
	mem := store.NewMem()
	learner := &recordingLearner{}
	c := NewCollector(mem, learner, nil, params.NewRegistry(), testLogger())
	return c, mem, learner
}

func TestCollectAssignsIdentity(t *testing.T) {
	c, _, _ := newTestCollector(t)

	f := &Feedback{Category: "planning", Quality: 4, Overall: 4}
	if err := c.Collect(f); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if f.ID == "" {
		t.Error("feedback ID should be auto-generated")
	}
	if f.Timestamp.IsZero() {
		t.Error("timestamp should be assigned")
	}
}

func TestCollectRejectsBadRatings(t *testing.T) {
	c, _, _ := newTestCollector(t)

	cases := []*Feedback{
		{Quality: 3},                          // no category
		{Category: "planning", Quality: 6},    // rating too high
		{Category: "planning", NPS: 11},       // nps too high
		{Category: "planning", Overall: -1},   // negative
	}
	for i, f := range cases {
		if err := c.Collect(f); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestLowQualityCreativeSignalsTemperatureDecrease(t *testing.T) {
	c, _, _ := newTestCollector(t)

	f := &Feedback{Category: "creative_writing", Quality: 1, Overall: 3}
	if err := c.Collect(f); err != nil {
		t.Fatal(err)
	}

	signals := c.ConsumeSignals(0.5)
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	s := signals[0]
	if s.ParameterAffected != "temperature" {
		t.Errorf("expected temperature signal, got %s", s.ParameterAffected)
	}
	if s.RecommendedAction != DirectionDecrease {
		t.Errorf("creative category with bad quality should decrease, got %s", s.RecommendedAction)
	}
	if s.Strength != 0.8 {
		t.Errorf("expected strength 0.8, got %v", s.Strength)
	}
}

func TestLowQualityPreciseCategorySignalsIncrease(t *testing.T) {
	c, _, _ := newTestCollector(t)

	c.Collect(&Feedback{Category: "code_generation", Quality: 2, Overall: 3})

	signals := c.ConsumeSignals(0.5)
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if signals[0].RecommendedAction != DirectionIncrease {
		t.Errorf("cold category with bad quality should increase, got %s", signals[0].RecommendedAction)
	}
}

func TestSlowFeedbackSignalsTokenDecrease(t *testing.T) {
	c, _, _ := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Speed: 1, Overall: 3})

	signals := c.ConsumeSignals(0.5)
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if signals[0].ParameterAffected != "max_tokens" || signals[0].RecommendedAction != DirectionDecrease {
		t.Errorf("unexpected signal: %+v", signals[0])
	}
	if signals[0].Strength != 0.7 {
		t.Errorf("expected strength 0.7, got %v", signals[0].Strength)
	}
}

func TestPreferenceSignalsExperiment(t *testing.T) {
	c, _, _ := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Overall: 4, Preference: "top_p"})

	// Experiment signals are weak; a 0.5 floor drops them.
	if got := c.ConsumeSignals(0.5); len(got) != 0 {
		t.Errorf("0.4 signal should not pass a 0.5 floor, got %d", len(got))
	}

	c.Collect(&Feedback{Category: "planning", Overall: 4, Preference: "top_p"})
	signals := c.ConsumeSignals(0.3)
	if len(signals) != 1 || signals[0].RecommendedAction != DirectionExperiment {
		t.Errorf("expected experiment signal, got %+v", signals)
	}
}

func TestConsumeSignalsPrunesEverything(t *testing.T) {
	c, _, _ := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Quality: 1, Overall: 3})
	c.Collect(&Feedback{Category: "planning", Overall: 4, Preference: "top_p"})

	if got := c.ConsumeSignals(0.5); len(got) != 1 {
		t.Fatalf("expected 1 strong signal, got %d", len(got))
	}
	// Consumption also discards signals below the floor.
	if c.PendingSignals() != 0 {
		t.Errorf("consume must prune all signals, %d left", c.PendingSignals())
	}
}

func TestVeryNegativeFeedbackForwardsPriorityTrial(t *testing.T) {
	c, _, learner := newTestCollector(t)

	c.Collect(&Feedback{Category: "creative_writing", Quality: 1, Overall: 1})

	calls := learner.learnCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 priority trial, got %d", len(calls))
	}
	call := calls[0]
	if call.category != "creative_writing" {
		t.Errorf("wrong category: %s", call.category)
	}
	if call.score != 0 {
		t.Errorf("overall 1 should normalize to score 0, got %v", call.score)
	}
	if call.meta["priority"] != "true" {
		t.Errorf("expected priority meta, got %v", call.meta)
	}
	// With no lookup, the trial uses the category defaults.
	if call.params["temperature"] != 0.9 {
		t.Errorf("expected creative default temperature, got %v", call.params["temperature"])
	}
}

func TestIncorrectFlagForwardsCappedScore(t *testing.T) {
	c, _, learner := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Overall: 5, Incorrect: true})

	calls := learner.learnCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 priority trial, got %d", len(calls))
	}
	if calls[0].score > 0.25 {
		t.Errorf("incorrect result should cap the score at 0.25, got %v", calls[0].score)
	}
}

func TestGoodFeedbackDoesNotForward(t *testing.T) {
	c, _, learner := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Quality: 5, Overall: 5})

	if calls := learner.learnCalls(); len(calls) != 0 {
		t.Errorf("good feedback must not trigger a priority trial, got %d", len(calls))
	}
}

func TestFlushPersistsAndRetries(t *testing.T) {
	c, mem, _ := newTestCollector(t)

	c.Collect(&Feedback{Category: "planning", Overall: 4})
	c.Collect(&Feedback{Category: "planning", Overall: 5})

	mem.FailInserts = 2
	c.Flush(context.Background())
	if got := mem.Count(store.TableFeedback); got != 0 {
		t.Fatalf("expected no rows after failed flush, got %d", got)
	}

	c.Flush(context.Background())
	if got := mem.Count(store.TableFeedback); got != 2 {
		t.Errorf("expected 2 rows after retry, got %d", got)
	}
}

type recordingUpdater struct {
	executionID  string
	satisfaction float64
	quality      float64
}

func (u *recordingUpdater) UpdateFeedback(_ context.Context, executionID string, satisfaction, quality float64) {
	u.executionID = executionID
	u.satisfaction = satisfaction
	u.quality = quality
}

func TestRatedExecutionGetsPatched(t *testing.T) {
	c, _, _ := newTestCollector(t)
	updater := &recordingUpdater{}
	c.SetExecutionUpdater(updater)

	c.Collect(&Feedback{Category: "planning", ExecutionID: "exec-1", Overall: 4, Quality: 5})

	if updater.executionID != "exec-1" {
		t.Fatalf("execution should be patched, got %q", updater.executionID)
	}
	if updater.satisfaction != 4 {
		t.Errorf("satisfaction should carry the overall rating, got %v", updater.satisfaction)
	}
	if updater.quality != 1.0 {
		t.Errorf("quality 5 should normalize to 1.0, got %v", updater.quality)
	}
}

func TestFeedbackWithoutExecutionIDSkipsPatch(t *testing.T) {
	c, _, _ := newTestCollector(t)
	updater := &recordingUpdater{}
	c.SetExecutionUpdater(updater)

	c.Collect(&Feedback{Category: "planning", Overall: 4})

	if updater.executionID != "" {
		t.Errorf("no execution id means no patch, got %q", updater.executionID)
	}
}

func TestLookupSuppliesExecutionParams(t *testing.T) {
	mem := store.NewMem()
	learner := &recordingLearner{}
	lookup := func(_ context.Context, executionID string) (params.Vector, bool) {
		if executionID == "exec-1" {
			return params.Vector{"temperature": 0.42}, true
		}
		return nil, false
	}
	c := NewCollector(mem, learner, lookup, params.NewRegistry(), testLogger())

	c.Collect(&Feedback{Category: "planning", Overall: 1, ExecutionID: "exec-1"})

	calls := learner.learnCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 trial, got %d", len(calls))
	}
	if calls[0].params["temperature"] != 0.42 {
		t.Errorf("expected looked-up params, got %v", calls[0].params)
	}
}
