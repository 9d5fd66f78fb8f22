// Package queue implements the Queue Analyzer: it classifies ready beads by
// required skill and summarizes queue composition for the Auto-Scaler.
package queue

import (
	"strconv"
	"strings"

	"github.com/foreman-fleet/foreman/internal/beadstore"
)

// Composition is the Queue Analyzer's output.
type Composition struct {
	ReadyTasks      int
	ActiveAgents    int
	Ratio           float64
	TypesNeeded     map[string]int
	Recommendations []string
}

// classifier families, tested narrow-before-broad per the skill→type design.
var (
	labelMap = map[string]string{
		"frontend": "frontend", "ui": "frontend",
		"backend": "backend", "api": "backend",
		"devops": "devops", "infrastructure": "devops",
		"docs": "docs", "documentation": "docs",
		"qa": "qa", "testing": "qa",
	}

	qaKeywords       = []string{"test", "coverage", "lint", "e2e", "benchmark"}
	docsKeywords     = []string{"document", "readme", "guide", "openapi"}
	devopsKeywords   = []string{"docker", "kubernetes", "ci/cd", "deploy", "pipeline", "terraform", "helm"}
	frontendKeywords = []string{"css", "component", "ui/ux", "react", "vue", "angular", "layout", "style", "responsive"}
	backendKeywords  = []string{"api", "database", "endpoint", "schema", "sql", "auth", "service"}
)

// Classify returns the required-skill type for a single task, applying the
// prioritized classifier: authoritative label match first, then narrow
// keyword families before broad ones, defaulting to "general".
func Classify(t beadstore.Task) string {
	for _, label := range t.Labels {
		if typ, ok := labelMap[strings.ToLower(label)]; ok {
			return typ
		}
	}

	text := strings.ToLower(t.Title + " " + t.Description + " " + strings.Join(t.Labels, " "))

	if containsAny(text, qaKeywords) {
		return "qa"
	}
	if containsAny(text, docsKeywords) {
		return "docs"
	}
	if containsAny(text, devopsKeywords) {
		return "devops"
	}
	if containsAny(text, frontendKeywords) {
		return "frontend"
	}
	if containsAny(text, backendKeywords) {
		return "backend"
	}
	return "general"
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Thresholds configures the recommendation logic; Analyze's caller supplies
// these from the loaded Config so the component stays free of a direct
// config dependency.
type Thresholds struct {
	ScaleUpThreshold float64
	MinAgents        int
	MaxAgents        int
}

// LifecycleFeedback carries the Performance Tracker / Auto-Scaler signals
// that bias the recommendation ("many active tasks, low completion rate" /
// "very low success rate").
type LifecycleFeedback struct {
	InProgressCount   int
	CompletionRate    float64 // [0,1], -1 means unknown/no data
	SuccessRate       float64 // [0,1], -1 means unknown/no data
}

// Analyze classifies ready tasks and produces scale recommendations.
func Analyze(ready []beadstore.Task, activeAgents int, th Thresholds, fb LifecycleFeedback) Composition {
	typesNeeded := make(map[string]int)
	for _, t := range ready {
		typesNeeded[Classify(t)]++
	}

	taskCount := len(ready)
	ratio := float64(taskCount) / float64(activeAgents+1)

	comp := Composition{
		ReadyTasks:   taskCount,
		ActiveAgents: activeAgents,
		Ratio:        ratio,
		TypesNeeded:  typesNeeded,
	}

	if ratio > th.ScaleUpThreshold && activeAgents < th.MaxAgents {
		dominant := dominantType(typesNeeded)
		n := spawnCount(taskCount)
		if remaining := th.MaxAgents - activeAgents; n > remaining {
			n = remaining
		}
		if fb.CompletionRate >= 0 && fb.InProgressCount > 0 && fb.CompletionRate < 0.3 {
			n++
		}
		if n > 0 {
			comp.Recommendations = append(comp.Recommendations, recommendation(n, dominant))
		}
	}

	if taskCount == 0 && activeAgents > th.MinAgents {
		comp.Recommendations = append(comp.Recommendations, "check-idle:teardown")
	}

	if fb.SuccessRate >= 0 && fb.SuccessRate < 0.2 {
		comp.Recommendations = append(comp.Recommendations, "warning:low-success-rate")
	}

	return comp
}

func dominantType(typesNeeded map[string]int) string {
	best, bestCount := "general", -1
	// Iteration order over a map isn't stable; break ties by preferring the
	// earliest type in the fixed list below seen with the max count for
	// determinism.
	for _, typ := range []string{"backend", "frontend", "devops", "docs", "qa", "general"} {
		if c, ok := typesNeeded[typ]; ok && c > bestCount {
			best, bestCount = typ, c
		}
	}
	for typ, c := range typesNeeded {
		if c > bestCount {
			best, bestCount = typ, c
		}
	}
	return best
}

func spawnCount(queueDepth int) int {
	switch {
	case queueDepth < 10:
		return 1
	case queueDepth < 15:
		return 2
	default:
		return 3
	}
}

func recommendation(n int, typ string) string {
	return "scale-up:" + strconv.Itoa(n) + ":" + typ
}
