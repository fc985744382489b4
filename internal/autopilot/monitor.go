package autopilot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/events"
	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// Implicit trial scores for terminal outcomes.
const (
	completedTrialScore  = 0.85
	rolledBackTrialScore = 0.15
)

// startMonitor launches the independent evaluation timer for an active
// action. Monitors run to completion even when the loop is shutting down
// or emergency stop is raised later.
func (l *Loop) startMonitor(action *Action) {
	l.monitors.Add(1)
	go func() {
		defer l.monitors.Done()
		timer := time.NewTimer(action.Plan.MonitorWindow)
		defer timer.Stop()
		<-timer.C
		l.evaluate(context.Background(), action.ID)
	}()
}

// evaluate judges an action at the end of its monitor window. Unknown or
// already-resolved ids are logged no-ops: a mid-window poll may have
// rolled the action back before the timer fired.
func (l *Loop) evaluate(ctx context.Context, id string) {
	l.mu.Lock()
	action, ok := l.actions[id]
	if !ok || action.Status != StatusActive {
		l.mu.Unlock()
		l.logger.Debug("evaluate skipped", "action", id, "known", ok)
		return
	}
	l.mu.Unlock()

	current, err := l.metrics.Capture(action.Category)
	if err != nil {
		// No data means no verdict; the safe verdict is the old settings.
		l.rollback(ctx, action, fmt.Sprintf("%v: %v", ErrEvaluation, err))
		return
	}

	l.mu.Lock()
	action.Outcome = current
	l.mu.Unlock()

	if trigger, breached := firstBreach(action, current); breached {
		l.rollback(ctx, action, fmt.Sprintf("trigger %s breached (%.2f %s %.2f)",
			trigger.Metric, relChange(action.Baseline, current, trigger.Metric),
			trigger.Op, trigger.Threshold))
		return
	}

	for _, c := range action.Plan.SuccessCriteria {
		change := relChange(action.Baseline, current, c.Metric)
		if !holds(change, c.Op, c.Threshold) {
			l.rollback(ctx, action, fmt.Sprintf("criterion %s failed (%.2f, need %s %.2f)",
				c.Metric, change, c.Op, c.Threshold))
			return
		}
	}

	l.complete(ctx, action)
}

// complete marks the action successful and records the outcome.
func (l *Loop) complete(ctx context.Context, action *Action) {
	l.mu.Lock()
	now := time.Now()
	for _, c := range action.Changes {
		l.lastSuccess[action.Category+"/"+c.Parameter] = now
	}
	l.mu.Unlock()

	l.resolve(ctx, action, StatusCompleted, "all success criteria held")
	l.logger.Info("action completed", "action", action.ID, "category", action.Category)
}

// rollback restores the exact pre-change values and records the outcome.
// Unknown or already-resolved actions are no-ops.
func (l *Loop) rollback(ctx context.Context, action *Action, reason string) {
	l.mu.Lock()
	if action.Status != StatusActive && action.Status != StatusImplementing {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	current, err := l.target.Current(action.Category)
	if err != nil {
		l.logger.Error("rollback read failed", "action", action.ID, "error", err)
		current = params.Vector{}
	}
	restored := current.Clone()
	for _, c := range action.Changes {
		restored[c.Parameter] = c.From
	}
	if err := l.target.Apply(action.Category, restored); err != nil {
		l.logger.Error("rollback apply failed", "action", action.ID, "error", err)
	}

	l.mu.Lock()
	l.lastRollback = time.Now()
	l.mu.Unlock()

	l.resolve(ctx, action, StatusRolledBack, reason)
	l.logger.Warn("action rolled back",
		"action", action.ID, "category", action.Category, "reason", reason)
}

// resolve moves an action to a terminal status, publishes the event, and
// feeds the outcome back as risk-learning data and an implicit trial.
func (l *Loop) resolve(ctx context.Context, action *Action, status, reason string) {
	l.mu.Lock()
	action.Status = status
	action.StatusReason = reason
	action.ResolvedAt = time.Now()
	applied := make(params.Vector, len(action.Changes))
	for _, c := range action.Changes {
		applied[c.Parameter] = c.To
	}
	l.mu.Unlock()
	l.persist(ctx, action)

	eventType := events.TypeActionCompleted
	score := completedTrialScore
	if status == StatusRolledBack {
		eventType = events.TypeActionRolledBack
		score = rolledBackTrialScore
	}

	l.bus.Publish(ctx, events.Event{
		Type:     eventType,
		Category: action.Category,
		Subject:  action.ID,
		Detail:   map[string]any{"reason": reason, "risk": action.Risk.Level},
	})

	l.recordRiskLearning(ctx, action, status)

	if len(applied) > 0 {
		l.tuner.Learn(action.Category, applied, score, 0, map[string]string{
			"source": "autopilot",
			"action": action.ID,
			"status": status,
		})
	}
}

// recordRiskLearning persists the outcome so future risk scoring has
// ground truth to calibrate against.
func (l *Loop) recordRiskLearning(ctx context.Context, action *Action, status string) {
	rec := store.Record{
		"id":         uuid.New().String(),
		"created_at": time.Now(),
		"action_id":  action.ID,
		"category":   action.Category,
		"risk_score": action.Risk.Score,
		"risk_level": action.Risk.Level,
		"confidence": action.Confidence,
		"status":     status,
		"reason":     action.StatusReason,
	}
	if err := l.store.Insert(ctx, store.TableRiskData, rec); err != nil {
		l.logger.Warn("risk learning persist failed", "action", action.ID, "error", err)
	}
}

// firstBreach returns the first rollback trigger the current metrics
// violate.
func firstBreach(action *Action, current map[string]float64) (RollbackTrigger, bool) {
	for _, t := range action.Plan.RollbackTriggers {
		change := relChange(action.Baseline, current, t.Metric)
		if holds(change, t.Op, t.Threshold) {
			return t, true
		}
	}
	return RollbackTrigger{}, false
}

// relChange is the relative change of one metric against the baseline.
// Metrics absent from either capture report zero change.
func relChange(baseline, current map[string]float64, metric string) float64 {
	b, okB := baseline[metric]
	c, okC := current[metric]
	if !okB || !okC {
		return 0
	}
	if b == 0 {
		if c == 0 {
			return 0
		}
		return math.Copysign(1, c)
	}
	return (c - b) / math.Abs(b)
}

func holds(value float64, op string, threshold float64) bool {
	switch op {
	case "lt":
		return value < threshold
	case "gt":
		return value > threshold
	default:
		return false
	}
}
