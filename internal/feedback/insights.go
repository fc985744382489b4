package feedback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// insightClusterMin is the smallest satisfaction cluster worth reporting.
const insightClusterMin = 3

// GenerateInsights synthesizes insights from persisted feedback over the
// window and merges in the optimizer's pending parameter insights. Low
// satisfaction clustered on a common reported issue becomes a bug report;
// consistently excellent categories become improvement opportunities.
// Results are sorted by priority, then confidence.
func (c *Collector) GenerateInsights(ctx context.Context, window time.Duration) []optimizer.Insight {
	since := time.Now().Add(-window)
	records, err := c.store.Query(ctx, store.TableFeedback, store.Filter{Since: since})
	if err != nil {
		c.logger.Error("insight query failed", "error", err)
		records = nil
	}

	var all []*Feedback
	for _, r := range records {
		if f := feedbackFromRecord(r); f != nil {
			all = append(all, f)
		}
	}

	insights := c.learner.DrainInsights()
	insights = append(insights, c.bugReports(all)...)
	insights = append(insights, c.opportunities(all)...)

	sort.SliceStable(insights, func(i, j int) bool {
		if insights[i].Priority != insights[j].Priority {
			return insights[i].Priority > insights[j].Priority
		}
		return insights[i].Confidence > insights[j].Confidence
	})

	if len(insights) > 0 {
		c.logger.Info("insights generated", "count", len(insights), "window", window)
	}
	return insights
}

// bugReports clusters unhappy feedback by reported issue.
func (c *Collector) bugReports(all []*Feedback) []optimizer.Insight {
	byIssue := make(map[string][]*Feedback)
	for _, f := range all {
		if f.Issue == "" {
			continue
		}
		if (f.Overall > 0 && f.Overall < 3) || f.Incorrect {
			byIssue[f.Issue] = append(byIssue[f.Issue], f)
		}
	}

	var out []optimizer.Insight
	for issue, group := range byIssue {
		if len(group) < insightClusterMin {
			continue
		}
		category := dominantCategory(group)
		evidence := make([]string, 0, len(group))
		for _, f := range group {
			line := fmt.Sprintf("feedback %s: overall=%d", f.ID, f.Overall)
			if f.Comment != "" {
				line += " " + f.Comment
			}
			evidence = append(evidence, line)
		}
		out = append(out, optimizer.Insight{
			ID:          uuid.New().String(),
			Type:        optimizer.InsightBugReport,
			Category:    category,
			Priority:    bugPriority(group),
			Confidence:  clusterConfidence(len(group)),
			Evidence:    evidence,
			Description: fmt.Sprintf("%d users reported %q with low satisfaction in %s", len(group), issue, category),
			CreatedAt:   time.Now(),
		})
	}
	return out
}

// opportunities finds categories users are consistently delighted with,
// worth propagating their settings elsewhere.
func (c *Collector) opportunities(all []*Feedback) []optimizer.Insight {
	byCategory := make(map[string][]*Feedback)
	for _, f := range all {
		if f.Overall >= 4 {
			byCategory[f.Category] = append(byCategory[f.Category], f)
		}
	}

	var out []optimizer.Insight
	for category, group := range byCategory {
		if len(group) < insightClusterMin {
			continue
		}
		var sum float64
		for _, f := range group {
			sum += float64(f.Overall)
		}
		avg := sum / float64(len(group))
		if avg < 4.5 {
			continue
		}
		out = append(out, optimizer.Insight{
			ID:         uuid.New().String(),
			Type:       optimizer.InsightImprovementOpportunity,
			Category:   category,
			Priority:   0.5,
			Confidence: clusterConfidence(len(group)),
			Evidence: []string{
				fmt.Sprintf("%d ratings averaging %.2f overall", len(group), avg),
			},
			Description: fmt.Sprintf("%s is a standout category (%.2f avg), candidate for seeding other categories", category, avg),
			CreatedAt:   time.Now(),
		})
	}
	return out
}

// bugPriority scales with how far below the satisfaction midpoint the
// cluster sits, so a pile of 1-star reports outranks a pile of 2-star
// ones. An unanswered overall rating counts as worst case.
func bugPriority(group []*Feedback) float64 {
	var sum float64
	for _, f := range group {
		sum += float64(f.Overall)
	}
	avg := sum / float64(len(group))
	p := 0.5 + 0.4*(3-avg)/2
	if p > 0.9 {
		p = 0.9
	}
	if p < 0.5 {
		p = 0.5
	}
	return p
}

// clusterConfidence scales with cluster size, saturating at 10 reports.
func clusterConfidence(n int) float64 {
	c := 0.5 + float64(n)/20.0
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func dominantCategory(group []*Feedback) string {
	counts := make(map[string]int)
	for _, f := range group {
		counts[f.Category]++
	}
	best, bestN := "", 0
	for cat, n := range counts {
		if n > bestN {
			best, bestN = cat, n
		}
	}
	return best
}

func feedbackFromRecord(r store.Record) *Feedback {
	category, _ := r["category"].(string)
	if category == "" {
		return nil
	}
	f := &Feedback{Category: category}
	f.ID, _ = r["id"].(string)
	f.ExecutionID, _ = r["execution_id"].(string)
	f.Comment, _ = r["comment"].(string)
	f.Issue, _ = r["issue"].(string)
	f.Incorrect, _ = r["incorrect"].(bool)
	f.WouldUseAgain, _ = r["would_use_again"].(bool)
	f.Quality = asInt(r["quality"])
	f.Speed = asInt(r["speed"])
	f.Accuracy = asInt(r["accuracy"])
	f.Usefulness = asInt(r["usefulness"])
	f.Overall = asInt(r["overall"])
	f.NPS = asInt(r["nps"])
	switch ts := r["created_at"].(type) {
	case time.Time:
		f.Timestamp = ts
	case string:
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return f
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
