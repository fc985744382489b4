package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/tuneclaw/internal/optimizer"
	"github.com/clawinfra/tuneclaw/internal/params"
)

func collectAndFlush(t *testing.T, c *Collector, fs []*Feedback) {
	t.Helper()
	for _, f := range fs {
		if err := c.Collect(f); err != nil {
			t.Fatalf("collect: %v", err)
		}
	}
	c.Flush(context.Background())
}

func TestBugReportFromIssueCluster(t *testing.T) {
	c, _, _ := newTestCollector(t)

	var fs []*Feedback
	for i := 0; i < 3; i++ {
		fs = append(fs, &Feedback{
			Category: "code_generation",
			Overall:  1,
			Issue:    "truncated_output",
			Comment:  "response cut off mid-function",
		})
	}
	collectAndFlush(t, c, fs)

	insights := c.GenerateInsights(context.Background(), time.Hour)

	var bug *optimizer.Insight
	for i := range insights {
		if insights[i].Type == optimizer.InsightBugReport {
			bug = &insights[i]
			break
		}
	}
	if bug == nil {
		t.Fatalf("expected a bug_report insight, got %+v", insights)
	}
	if bug.Category != "code_generation" {
		t.Errorf("wrong category: %s", bug.Category)
	}
	if len(bug.Evidence) != 3 {
		t.Errorf("expected 3 evidence lines, got %d", len(bug.Evidence))
	}
}

func TestBugPriorityScalesWithSeverity(t *testing.T) {
	c, _, _ := newTestCollector(t)

	var fs []*Feedback
	for i := 0; i < 3; i++ {
		fs = append(fs,
			&Feedback{Category: "planning", Overall: 1, Issue: "crash"},
			&Feedback{Category: "planning", Overall: 2, Issue: "slow_start"})
	}
	collectAndFlush(t, c, fs)

	priorities := make(map[string]float64)
	for _, ins := range c.GenerateInsights(context.Background(), time.Hour) {
		if ins.Type == optimizer.InsightBugReport {
			priorities[ins.Description] = ins.Priority
		}
	}
	if len(priorities) != 2 {
		t.Fatalf("expected 2 bug clusters, got %d", len(priorities))
	}

	var crash, slow float64
	for desc, p := range priorities {
		if strings.Contains(desc, "crash") {
			crash = p
		} else {
			slow = p
		}
	}
	if crash <= slow {
		t.Errorf("a cluster of 1s must outrank a cluster of 2s: %.2f vs %.2f", crash, slow)
	}
	if crash != 0.9 {
		t.Errorf("all-1s cluster should score 0.9, got %.2f", crash)
	}
	if slow != 0.7 {
		t.Errorf("all-2s cluster should score 0.7, got %.2f", slow)
	}
}

func TestSmallIssueClusterIgnored(t *testing.T) {
	c, _, _ := newTestCollector(t)

	collectAndFlush(t, c, []*Feedback{
		{Category: "planning", Overall: 1, Issue: "rare_glitch"},
		{Category: "planning", Overall: 2, Issue: "rare_glitch"},
	})

	for _, ins := range c.GenerateInsights(context.Background(), time.Hour) {
		if ins.Type == optimizer.InsightBugReport {
			t.Errorf("2 reports should not form a bug cluster: %+v", ins)
		}
	}
}

func TestImprovementOpportunityFromDelightedCategory(t *testing.T) {
	c, _, _ := newTestCollector(t)

	var fs []*Feedback
	for i := 0; i < 4; i++ {
		fs = append(fs, &Feedback{Category: "summarization", Overall: 5})
	}
	collectAndFlush(t, c, fs)

	insights := c.GenerateInsights(context.Background(), time.Hour)

	found := false
	for _, ins := range insights {
		if ins.Type == optimizer.InsightImprovementOpportunity && ins.Category == "summarization" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected improvement_opportunity for summarization, got %+v", insights)
	}
}

func TestMediocreHighRatingsNoOpportunity(t *testing.T) {
	c, _, _ := newTestCollector(t)

	// All ratings are 4: above the inclusion floor but the 4.5 average
	// bar is not met.
	var fs []*Feedback
	for i := 0; i < 4; i++ {
		fs = append(fs, &Feedback{Category: "planning", Overall: 4})
	}
	collectAndFlush(t, c, fs)

	for _, ins := range c.GenerateInsights(context.Background(), time.Hour) {
		if ins.Type == optimizer.InsightImprovementOpportunity {
			t.Errorf("average 4.0 should not qualify: %+v", ins)
		}
	}
}

func TestInsightsMergeOptimizerQueue(t *testing.T) {
	c, _, learner := newTestCollector(t)
	learner.insights = []optimizer.Insight{{
		ID:          "opt-1",
		Type:        optimizer.InsightParameterAdjustment,
		Category:    "planning",
		Recommended: params.Vector{"temperature": 0.4},
		Priority:    0.7,
		Confidence:  0.8,
	}}

	insights := c.GenerateInsights(context.Background(), time.Hour)
	if len(insights) != 1 || insights[0].ID != "opt-1" {
		t.Errorf("optimizer insights should pass through, got %+v", insights)
	}
}

func TestInsightsSortedByPriority(t *testing.T) {
	c, _, learner := newTestCollector(t)

	// A low-priority optimizer insight plus a high-priority bug cluster.
	learner.insights = []optimizer.Insight{{
		ID: "opt-1", Type: optimizer.InsightParameterAdjustment,
		Category: "planning", Priority: 0.3, Confidence: 0.9,
	}}
	var fs []*Feedback
	for i := 0; i < 3; i++ {
		fs = append(fs, &Feedback{Category: "planning", Overall: 1, Issue: "crash"})
	}
	collectAndFlush(t, c, fs)

	insights := c.GenerateInsights(context.Background(), time.Hour)
	if len(insights) < 2 {
		t.Fatalf("expected at least 2 insights, got %d", len(insights))
	}
	if insights[0].Type != optimizer.InsightBugReport {
		t.Errorf("bug report should sort first, got %s", insights[0].Type)
	}
}
