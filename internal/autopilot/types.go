// Package autopilot turns synthesized insights and feedback signals into
// risk-scored autonomous parameter changes, monitors them against rollback
// triggers and success criteria, and reverts anything that regresses.
package autopilot

import (
	"errors"
	"time"

	"github.com/clawinfra/tuneclaw/internal/params"
)

// Error taxonomy for the action lifecycle.
var (
	ErrImplementation = errors.New("autopilot: implementation failed")
	ErrEvaluation     = errors.New("autopilot: evaluation failed")
)

// Action statuses. An action moves pending → approved → implementing →
// active → {completed, rolled_back}. Apply failure short-circuits
// implementing → rolled_back.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusImplementing = "implementing"
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusRolledBack   = "rolled_back"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Action types. Parameter changes are the only type the loop implements
// itself; the others exist so policy can force manual approval on them.
const (
	TypeParameterChange = "parameter_change"
	TypeModelChange     = "model_change"
	TypePromptChange    = "prompt_change"
)

// Change is one parameter move within an action.
type Change struct {
	Parameter string  `json:"parameter"`
	From      float64 `json:"from"`
	To        float64 `json:"to"`
}

// RollbackTrigger forces a rollback when a monitored metric crosses a
// threshold. Op is "lt" or "gt" against the relative change.
type RollbackTrigger struct {
	Metric    string  `json:"metric"`
	Op        string  `json:"op"`
	Threshold float64 `json:"threshold"`
}

// SuccessCriterion must hold at window end for the action to complete.
type SuccessCriterion struct {
	Metric    string  `json:"metric"`
	Op        string  `json:"op"`
	Threshold float64 `json:"threshold"`
}

// ExecutionPlan fixes the evaluation contract before implementation.
type ExecutionPlan struct {
	MonitorWindow    time.Duration      `json:"monitorWindow"`
	RollbackTriggers []RollbackTrigger  `json:"rollbackTriggers"`
	SuccessCriteria  []SuccessCriterion `json:"successCriteria"`
}

// RiskAssessment is the scored judgment over a candidate action.
type RiskAssessment struct {
	Score         float64 `json:"score"` // 0-1
	Level         string  `json:"level"`
	DeltaShare    float64 `json:"deltaShare"`
	AffectedUsers int     `json:"affectedUsers"`
	Rationale     string  `json:"rationale"`
}

// Action is one autonomous change through its whole lifecycle.
type Action struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Source   string `json:"source"` // insight or signal id

	Changes    []Change       `json:"changes"`
	Confidence float64        `json:"confidence"`
	Priority   float64        `json:"priority"`
	Risk       RiskAssessment `json:"risk"`
	Plan       ExecutionPlan  `json:"plan"`

	Status       string             `json:"status"`
	StatusReason string             `json:"statusReason,omitempty"`
	Baseline     map[string]float64 `json:"baseline,omitempty"`
	Outcome      map[string]float64 `json:"outcome,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	ImplementedAt time.Time `json:"implementedAt,omitzero"`
	ResolvedAt    time.Time `json:"resolvedAt,omitzero"`
}

// ParameterTarget is the live system the loop tunes. Apply replaces the
// category's active parameters; Current returns what is active now.
type ParameterTarget interface {
	Current(category string) (params.Vector, error)
	Apply(category string, p params.Vector) error
}

// MetricsSource captures the live metrics an action is judged against.
type MetricsSource interface {
	Capture(category string) (map[string]float64, error)
}
