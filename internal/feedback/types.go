// Package feedback collects explicit user ratings, distills them into
// ephemeral learning signals, and synthesizes evidence-backed insights
// from satisfaction clusters.
package feedback

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks malformed feedback rejected at the boundary.
var ErrValidation = errors.New("feedback: invalid submission")

// Signal directions.
const (
	DirectionIncrease   = "increase"
	DirectionDecrease   = "decrease"
	DirectionMaintain   = "maintain"
	DirectionExperiment = "experiment"
)

// Feedback is one explicit user rating tied to an execution.
type Feedback struct {
	ID          string `json:"id"`
	ExecutionID string `json:"executionId,omitempty"`
	Category    string `json:"category"`

	// Ratings are 1-5; zero means unanswered.
	Quality    int `json:"quality"`
	Speed      int `json:"speed"`
	Accuracy   int `json:"accuracy"`
	Usefulness int `json:"usefulness"`
	Overall    int `json:"overall"`
	NPS        int `json:"nps"` // 1-10

	Comment       string `json:"comment,omitempty"`
	Issue         string `json:"issue,omitempty"` // reported issue keyword
	Preference    string `json:"preference,omitempty"`
	Incorrect     bool   `json:"incorrect"`
	WouldUseAgain bool   `json:"wouldUseAgain"`

	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects submissions with out-of-range ratings.
func (f *Feedback) Validate() error {
	if f.Category == "" {
		return fmt.Errorf("%w: category required", ErrValidation)
	}
	for name, v := range map[string]int{
		"quality": f.Quality, "speed": f.Speed, "accuracy": f.Accuracy,
		"usefulness": f.Usefulness, "overall": f.Overall,
	} {
		if v < 0 || v > 5 {
			return fmt.Errorf("%w: %s rating %d outside 1-5", ErrValidation, name, v)
		}
	}
	if f.NPS < 0 || f.NPS > 10 {
		return fmt.Errorf("%w: nps %d outside 1-10", ErrValidation, f.NPS)
	}
	return nil
}

// Signal is a derived, ephemeral directive suggesting a parameter move.
// Signals are consumed and pruned, never persisted.
type Signal struct {
	Source            string    `json:"source"` // feedback id
	Category          string    `json:"category"`
	ParameterAffected string    `json:"parameterAffected"`
	RecommendedAction string    `json:"recommendedAction"` // a Direction constant
	Strength          float64   `json:"strength"`          // 0-1
	CreatedAt         time.Time `json:"createdAt"`
}
