package queue

import (
	"testing"

	"github.com/foreman-fleet/foreman/internal/beadstore"
)

func TestClassifyLabelAuthoritative(t *testing.T) {
	task := beadstore.Task{Title: "fix css bug", Labels: []string{"backend"}}
	if got := Classify(task); got != "backend" {
		t.Errorf("Classify = %q, want backend (label authoritative over css keyword)", got)
	}
}

func TestClassifyNarrowBeforeBroad(t *testing.T) {
	// "api" is a backend keyword but "e2e" (qa) must win as the narrower family.
	task := beadstore.Task{Title: "add e2e test for api endpoint"}
	if got := Classify(task); got != "qa" {
		t.Errorf("Classify = %q, want qa", got)
	}
}

func TestClassifyDefaultGeneral(t *testing.T) {
	task := beadstore.Task{Title: "misc task", Description: "nothing matches"}
	if got := Classify(task); got != "general" {
		t.Errorf("Classify = %q, want general", got)
	}
}

func TestAnalyzeEmptyQueueRecommendsTeardownOnlyAboveMin(t *testing.T) {
	th := Thresholds{ScaleUpThreshold: 1.5, MinAgents: 0, MaxAgents: 8}
	fb := LifecycleFeedback{CompletionRate: -1, SuccessRate: -1}

	comp := Analyze(nil, 3, th, fb)
	if comp.Ratio != 0 {
		t.Errorf("Ratio = %v, want 0", comp.Ratio)
	}
	if len(comp.Recommendations) != 1 || comp.Recommendations[0] != "check-idle:teardown" {
		t.Errorf("Recommendations = %v, want [check-idle:teardown]", comp.Recommendations)
	}

	comp2 := Analyze(nil, 0, th, fb)
	if len(comp2.Recommendations) != 0 {
		t.Errorf("Recommendations = %v, want none when active <= MIN_AGENTS", comp2.Recommendations)
	}
}

func TestAnalyzeScaleUpDominantType(t *testing.T) {
	var ready []beadstore.Task
	for i := 0; i < 15; i++ {
		ready = append(ready, beadstore.Task{ID: "t", Labels: []string{"backend"}})
	}
	th := Thresholds{ScaleUpThreshold: 1.5, MinAgents: 0, MaxAgents: 8}
	fb := LifecycleFeedback{CompletionRate: -1, SuccessRate: -1}

	comp := Analyze(ready, 2, th, fb)
	if comp.TypesNeeded["backend"] != 15 {
		t.Fatalf("TypesNeeded = %+v", comp.TypesNeeded)
	}
	if len(comp.Recommendations) != 1 || comp.Recommendations[0] != "scale-up:3:backend" {
		t.Errorf("Recommendations = %v, want [scale-up:3:backend]", comp.Recommendations)
	}
}

func TestAnalyzeScaleUpClampedByCapacity(t *testing.T) {
	var ready []beadstore.Task
	for i := 0; i < 15; i++ {
		ready = append(ready, beadstore.Task{Labels: []string{"backend"}})
	}
	th := Thresholds{ScaleUpThreshold: 1.5, MinAgents: 0, MaxAgents: 4}
	fb := LifecycleFeedback{CompletionRate: -1, SuccessRate: -1}

	comp := Analyze(ready, 3, th, fb)
	if comp.Recommendations[0] != "scale-up:1:backend" {
		t.Errorf("Recommendations = %v, want scale-up clamped to 1 remaining slot", comp.Recommendations)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	ready := []beadstore.Task{{Labels: []string{"frontend"}}, {Labels: []string{"frontend"}}}
	th := Thresholds{ScaleUpThreshold: 0.1, MinAgents: 0, MaxAgents: 8}
	fb := LifecycleFeedback{CompletionRate: -1, SuccessRate: -1}

	a := Analyze(ready, 0, th, fb)
	b := Analyze(ready, 0, th, fb)
	if a.Recommendations[0] != b.Recommendations[0] || a.TypesNeeded["frontend"] != b.TypesNeeded["frontend"] {
		t.Errorf("Analyze not deterministic: %+v vs %+v", a, b)
	}
}
