package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/params"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// zCritical95 is the two-sided critical value at 95% confidence.
const zCritical95 = 1.96

// ABTest is a persisted two-arm experiment over one category.
type ABTest struct {
	ID       string        `json:"id"`
	Category string        `json:"category"`
	Control  params.Vector `json:"control"`
	Test     params.Vector `json:"test"`
	Split    float64       `json:"split"` // fraction routed to test
	Status   string        `json:"status"`

	ControlN       int `json:"controlN"`
	ControlSuccess int `json:"controlSuccess"`
	TestN          int `json:"testN"`
	TestSuccess    int `json:"testSuccess"`

	CreatedAt time.Time `json:"createdAt"`
}

// ABTestResult is the arbitration outcome.
type ABTestResult struct {
	TestID    string  `json:"testId"`
	Winner    string  `json:"winner"` // "control", "test", or "inconclusive"
	ZScore    float64 `json:"zScore"`
	Rationale string  `json:"rationale"`
}

// CreateABTest persists a running A/B test and returns its id.
func (o *Optimizer) CreateABTest(category string, control, test params.Vector, split float64) (string, error) {
	if split <= 0 || split >= 1 {
		return "", fmt.Errorf("optimizer: split %.2f outside (0,1)", split)
	}

	ab := &ABTest{
		ID:        uuid.New().String(),
		Category:  category,
		Control:   control.Clone(),
		Test:      test.Clone(),
		Split:     split,
		Status:    "running",
		CreatedAt: time.Now(),
	}

	o.abMu.Lock()
	o.ab[ab.ID] = ab
	o.abMu.Unlock()

	if err := o.store.Insert(context.Background(), store.TableABTests, abRecord(ab)); err != nil {
		o.logger.Warn("ab test persist failed", "test", ab.ID, "error", err)
	}

	o.logger.Info("ab test created", "test", ab.ID, "category", category, "split", split)
	return ab.ID, nil
}

// RecordABResult counts one execution's success against an arm.
func (o *Optimizer) RecordABResult(id, arm string, success bool) error {
	o.abMu.Lock()
	defer o.abMu.Unlock()

	ab, ok := o.ab[id]
	if !ok {
		return fmt.Errorf("optimizer: unknown ab test %s", id)
	}
	switch arm {
	case "control":
		ab.ControlN++
		if success {
			ab.ControlSuccess++
		}
	case "test":
		ab.TestN++
		if success {
			ab.TestSuccess++
		}
	default:
		return fmt.Errorf("optimizer: unknown arm %q", arm)
	}
	return nil
}

// GetABTestResults runs a two-proportion significance test over the
// recorded success rates. A winner is declared only when |z| exceeds the
// 95% critical value; otherwise the result is inconclusive. The rationale
// is always populated.
func (o *Optimizer) GetABTestResults(id string) (*ABTestResult, error) {
	o.abMu.RLock()
	ab, ok := o.ab[id]
	o.abMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("optimizer: unknown ab test %s", id)
	}

	res := &ABTestResult{TestID: id, Winner: "inconclusive"}

	if ab.ControlN == 0 || ab.TestN == 0 {
		res.Rationale = fmt.Sprintf("insufficient samples (control=%d, test=%d)", ab.ControlN, ab.TestN)
		return res, nil
	}

	p1 := float64(ab.ControlSuccess) / float64(ab.ControlN)
	p2 := float64(ab.TestSuccess) / float64(ab.TestN)
	pooled := float64(ab.ControlSuccess+ab.TestSuccess) / float64(ab.ControlN+ab.TestN)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(ab.ControlN) + 1/float64(ab.TestN)))

	if se == 0 {
		res.Rationale = fmt.Sprintf("no variance between arms (control=%.1f%%, test=%.1f%%)", p1*100, p2*100)
		return res, nil
	}

	res.ZScore = (p2 - p1) / se

	switch {
	case res.ZScore > zCritical95:
		res.Winner = "test"
		res.Rationale = fmt.Sprintf(
			"test arm wins: %.1f%% vs %.1f%% success (z=%.2f > %.2f, n=%d/%d)",
			p2*100, p1*100, res.ZScore, zCritical95, ab.TestN, ab.ControlN)
	case res.ZScore < -zCritical95:
		res.Winner = "control"
		res.Rationale = fmt.Sprintf(
			"control arm wins: %.1f%% vs %.1f%% success (z=%.2f < -%.2f, n=%d/%d)",
			p1*100, p2*100, res.ZScore, zCritical95, ab.ControlN, ab.TestN)
	default:
		res.Rationale = fmt.Sprintf(
			"difference not significant at 95%% (%.1f%% vs %.1f%%, z=%.2f, need |z|>%.2f)",
			p1*100, p2*100, res.ZScore, zCritical95)
	}

	return res, nil
}

func abRecord(ab *ABTest) store.Record {
	return store.Record{
		"id":         ab.ID,
		"created_at": ab.CreatedAt,
		"category":   ab.Category,
		"control":    map[string]float64(ab.Control),
		"test":       map[string]float64(ab.Test),
		"split":      ab.Split,
		"status":     ab.Status,
	}
}
