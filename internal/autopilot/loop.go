package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/tuneclaw/internal/config"
	"github.com/clawinfra/tuneclaw/internal/events"
	"github.com/clawinfra/tuneclaw/internal/feedback"
	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// signalNudgeShare is how far along a dimension's range one feedback
// signal moves a parameter.
const signalNudgeShare = 0.10

// InsightSource feeds the gather step of each tick.
type InsightSource interface {
	GenerateInsights(ctx context.Context, window time.Duration) []optimizer.Insight
	ConsumeSignals(minStrength float64) []feedback.Signal
}

// Tuner receives implicit trials from terminal action outcomes.
type Tuner interface {
	Learn(category string, p params.Vector, score, latencyMs float64, meta map[string]string)
}

// Loop is the autonomous action loop: gather, assess, gate, implement,
// monitor, and roll back.
type Loop struct {
	cfg      config.AutopilotConfig
	policy   func() config.Policy
	insights InsightSource
	tuner    Tuner
	target   ParameterTarget
	metrics  MetricsSource
	spaces   *params.Registry
	assessor *Assessor
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger

	// monitorWindow overrides cfg.MonitorMinutes when non-zero; tests set
	// it to milliseconds.
	monitorWindow time.Duration

	mu           sync.Mutex
	actions      map[string]*Action
	implementLog []time.Time
	lastRollback time.Time
	lastSuccess  map[string]time.Time // keyed category/parameter

	monitors sync.WaitGroup
}

// NewLoop wires the action loop. policy is read fresh each tick so config
// reloads take effect without a restart.
func NewLoop(
	cfg config.AutopilotConfig,
	policy func() config.Policy,
	insights InsightSource,
	tuner Tuner,
	target ParameterTarget,
	metrics MetricsSource,
	spaces *params.Registry,
	st store.Store,
	bus *events.Bus,
	logger *slog.Logger,
) *Loop {
	return &Loop{
		cfg:         cfg,
		policy:      policy,
		insights:    insights,
		tuner:       tuner,
		target:      target,
		metrics:     metrics,
		spaces:      spaces,
		assessor:    NewAssessor(logger),
		store:       st,
		bus:         bus,
		logger:      logger.With("component", "autopilot"),
		actions:     make(map[string]*Action),
		lastSuccess: make(map[string]time.Time),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight monitors.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.TickMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	l.logger.Info("action loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("action loop stopping, draining monitors")
			l.monitors.Wait()
			l.logger.Info("action loop stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one gather → assess → gate → implement → poll cycle.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	policy := l.policy()

	// Active actions are checked for hard breaches even under emergency
	// stop; only new implementations are blocked.
	defer l.pollActive(ctx)

	candidates := l.gather(ctx)
	if len(candidates) == 0 {
		l.logger.Debug("tick: no candidates")
		return
	}

	var approved []*Action
	for _, action := range candidates {
		action.Risk = l.assessor.Assess(action, policy, l.affectedUsers(ctx, action.Category))

		if reason, ok := l.gate(action, policy); ok {
			action.Status = StatusApproved
			approved = append(approved, action)
		} else {
			action.Status = StatusPending
			action.StatusReason = reason
		}

		l.mu.Lock()
		l.actions[action.ID] = action
		l.mu.Unlock()
		l.persist(ctx, action)

		l.bus.Publish(ctx, events.Event{
			Type:     events.TypeActionEnqueued,
			Category: action.Category,
			Subject:  action.ID,
			Detail:   map[string]any{"status": action.Status, "risk": action.Risk.Level},
		})
	}

	sort.SliceStable(approved, func(i, j int) bool {
		return approved[i].Priority*approved[i].Confidence >
			approved[j].Priority*approved[j].Confidence
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.MaxConcurrentActions)
	for _, action := range approved {
		action := action
		g.Go(func() error {
			l.implement(gctx, action)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.logger.Error("implementation group failed", "error", err)
	}

	l.logger.Info("tick complete",
		"candidates", len(candidates), "approved", len(approved),
		"elapsed", time.Since(start))
}

// gather pulls fresh insights and signals and converts them to candidate
// actions.
func (l *Loop) gather(ctx context.Context) []*Action {
	window := time.Duration(l.cfg.TickMinutes) * time.Minute * 4
	var out []*Action

	for _, ins := range l.insights.GenerateInsights(ctx, window) {
		if ins.Confidence < l.cfg.InsightMinConfidence {
			continue
		}
		if action := l.actionFromInsight(ins); action != nil {
			out = append(out, action)
		}
	}

	for _, sig := range l.insights.ConsumeSignals(l.cfg.SignalMinStrength) {
		if action := l.actionFromSignal(sig); action != nil {
			out = append(out, action)
		}
	}

	return out
}

// actionFromInsight diffs the recommended vector against what is live.
func (l *Loop) actionFromInsight(ins optimizer.Insight) *Action {
	if len(ins.Recommended) == 0 {
		// Bug reports and opportunities carry no vector; they are for
		// operators, not the loop.
		return nil
	}

	current, err := l.target.Current(ins.Category)
	if err != nil {
		l.logger.Warn("cannot read live parameters", "category", ins.Category, "error", err)
		return nil
	}

	var changes []Change
	for name, to := range ins.Recommended {
		from, ok := current[name]
		if !ok || from == to {
			continue
		}
		changes = append(changes, Change{Parameter: name, From: from, To: to})
	}
	if len(changes) == 0 {
		return nil
	}

	return &Action{
		ID:         uuid.New().String(),
		Type:       TypeParameterChange,
		Category:   ins.Category,
		Source:     ins.ID,
		Changes:    changes,
		Confidence: ins.Confidence,
		Priority:   ins.Priority,
		Plan:       l.defaultPlan(),
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// actionFromSignal nudges one parameter along the signalled direction.
func (l *Loop) actionFromSignal(sig feedback.Signal) *Action {
	if sig.RecommendedAction != feedback.DirectionIncrease &&
		sig.RecommendedAction != feedback.DirectionDecrease {
		// Experiment signals feed A/B testing, not unilateral changes.
		return nil
	}

	current, err := l.target.Current(sig.Category)
	if err != nil {
		l.logger.Warn("cannot read live parameters", "category", sig.Category, "error", err)
		return nil
	}

	space := l.spaces.Space(sig.Category)
	dim, ok := space.Dimension(sig.ParameterAffected)
	if !ok {
		l.logger.Warn("signal names unknown parameter",
			"category", sig.Category, "parameter", sig.ParameterAffected)
		return nil
	}

	from, ok := current[sig.ParameterAffected]
	if !ok {
		from = dim.Default
	}
	step := signalNudgeShare * (dim.Max - dim.Min)
	to := from + step
	if sig.RecommendedAction == feedback.DirectionDecrease {
		to = from - step
	}
	moved := space.Clamp(params.Vector{sig.ParameterAffected: to})
	to = moved[sig.ParameterAffected]
	if to == from {
		return nil
	}

	return &Action{
		ID:         uuid.New().String(),
		Type:       TypeParameterChange,
		Category:   sig.Category,
		Source:     sig.Source,
		Changes:    []Change{{Parameter: sig.ParameterAffected, From: from, To: to}},
		Confidence: sig.Strength,
		Priority:   0.5,
		Plan:       l.defaultPlan(),
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// gate applies the full auto-approval policy. Returns the blocking reason
// when the action must wait for a human.
func (l *Loop) gate(action *Action, policy config.Policy) (string, bool) {
	if policy.Safeguards.EmergencyStop {
		return "emergency stop active", false
	}

	for _, t := range policy.Safeguards.ManualApprovalTypes {
		if action.Type == t {
			return fmt.Sprintf("type %s requires manual approval", action.Type), false
		}
	}

	threshold, ok := policy.RiskThresholds[action.Risk.Level]
	if !ok {
		return fmt.Sprintf("no policy for risk level %s", action.Risk.Level), false
	}
	if !threshold.AutoApprove {
		return fmt.Sprintf("risk level %s not auto-approvable", action.Risk.Level), false
	}
	if action.Confidence < threshold.MinConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f for %s risk",
			action.Confidence, threshold.MinConfidence, action.Risk.Level), false
	}

	cooldown := time.Duration(policy.CooldownMinutes) * time.Minute
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastRollback.IsZero() && time.Since(l.lastRollback) < cooldown {
		return "cooling down after rollback", false
	}
	for _, c := range action.Changes {
		if last, ok := l.lastSuccess[action.Category+"/"+c.Parameter]; ok && time.Since(last) < cooldown {
			return fmt.Sprintf("parameter %s changed recently", c.Parameter), false
		}
	}

	cutoff := time.Now().Add(-time.Hour)
	recent := 0
	for _, ts := range l.implementLog {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent >= policy.MaxActionsPerHour {
		return "hourly action limit reached", false
	}
	l.implementLog = append(l.implementLog, time.Now())

	return "", true
}

// implement captures a baseline, applies the change, and starts the
// monitor. Apply failures roll back immediately so an action is never
// left implementing.
func (l *Loop) implement(ctx context.Context, action *Action) {
	l.setStatus(ctx, action, StatusImplementing, "")

	baseline, err := l.metrics.Capture(action.Category)
	if err != nil {
		l.resolve(ctx, action, StatusRolledBack,
			fmt.Sprintf("baseline capture: %v", err))
		return
	}

	current, err := l.target.Current(action.Category)
	if err != nil {
		l.resolve(ctx, action, StatusRolledBack,
			fmt.Sprintf("read live parameters: %v", err))
		return
	}

	next := current.Clone()
	for _, c := range action.Changes {
		next[c.Parameter] = c.To
	}
	if err := l.target.Apply(action.Category, next); err != nil {
		l.resolve(ctx, action, StatusRolledBack,
			fmt.Sprintf("%v: %v", ErrImplementation, err))
		return
	}

	l.mu.Lock()
	action.Baseline = baseline
	action.Status = StatusActive
	action.ImplementedAt = time.Now()
	l.mu.Unlock()
	l.persist(ctx, action)

	l.bus.Publish(ctx, events.Event{
		Type:     events.TypeActionImplemented,
		Category: action.Category,
		Subject:  action.ID,
		Detail:   map[string]any{"changes": len(action.Changes)},
	})
	l.logger.Info("action implemented",
		"action", action.ID, "category", action.Category, "risk", action.Risk.Level)

	l.startMonitor(action)
}

// pollActive checks every active action against its rollback triggers.
// A breach rolls back immediately instead of waiting for the window.
func (l *Loop) pollActive(ctx context.Context) {
	l.mu.Lock()
	var active []*Action
	for _, a := range l.actions {
		if a.Status == StatusActive {
			active = append(active, a)
		}
	}
	l.mu.Unlock()

	for _, action := range active {
		current, err := l.metrics.Capture(action.Category)
		if err != nil {
			l.logger.Warn("mid-window capture failed", "action", action.ID, "error", err)
			continue
		}
		if trigger, breached := firstBreach(action, current); breached {
			l.logger.Warn("hard threshold breached mid-window",
				"action", action.ID, "metric", trigger.Metric)
			l.rollback(ctx, action, fmt.Sprintf("trigger %s breached mid-window", trigger.Metric))
		}
	}
}

// affectedUsers counts the category's executions over the last day.
func (l *Loop) affectedUsers(ctx context.Context, category string) int {
	records, err := l.store.Query(ctx, store.TableExecutions, store.Filter{
		Equals: map[string]any{"category": category},
		Since:  time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		l.logger.Warn("affected-user count failed", "category", category, "error", err)
		return 0
	}
	return len(records)
}

// defaultPlan fixes the evaluation contract for parameter changes:
// success rate must not collapse, quality must not slide, and by window
// end the change must not have degraded outcomes.
func (l *Loop) defaultPlan() ExecutionPlan {
	window := l.monitorWindow
	if window <= 0 {
		window = time.Duration(l.cfg.MonitorMinutes) * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return ExecutionPlan{
		MonitorWindow: window,
		RollbackTriggers: []RollbackTrigger{
			{Metric: "success_rate", Op: "lt", Threshold: -0.10},
			{Metric: "avg_quality", Op: "lt", Threshold: -0.15},
		},
		SuccessCriteria: []SuccessCriterion{
			{Metric: "success_rate", Op: "gt", Threshold: -0.05},
			{Metric: "avg_quality", Op: "gt", Threshold: -0.05},
		},
	}
}

// Action returns a copy of the action, or false for unknown ids.
func (l *Loop) Action(id string) (Action, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.actions[id]
	if !ok {
		return Action{}, false
	}
	return *a, true
}

// Actions returns copies of all tracked actions.
func (l *Loop) Actions() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, 0, len(l.actions))
	for _, a := range l.actions {
		out = append(out, *a)
	}
	return out
}

func (l *Loop) setStatus(ctx context.Context, action *Action, status, reason string) {
	l.mu.Lock()
	action.Status = status
	action.StatusReason = reason
	l.mu.Unlock()
	l.persist(ctx, action)
}

func (l *Loop) persist(ctx context.Context, action *Action) {
	if err := l.store.Insert(ctx, store.TableActions, actionRecord(action)); err != nil {
		l.logger.Warn("action persist failed", "action", action.ID, "error", err)
	}
}

func actionRecord(a *Action) store.Record {
	changes := make([]map[string]any, 0, len(a.Changes))
	for _, c := range a.Changes {
		changes = append(changes, map[string]any{
			"parameter": c.Parameter, "from": c.From, "to": c.To,
		})
	}
	return store.Record{
		"id":            a.ID,
		"created_at":    a.CreatedAt,
		"type":          a.Type,
		"category":      a.Category,
		"source":        a.Source,
		"changes":       changes,
		"confidence":    a.Confidence,
		"priority":      a.Priority,
		"risk_score":    a.Risk.Score,
		"risk_level":    a.Risk.Level,
		"status":        a.Status,
		"status_reason": a.StatusReason,
	}
}
