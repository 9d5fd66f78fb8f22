// Package matcher implements the Matcher component: scoring (agent, task)
// pairs from skill overlap, current workload, and historical quality.
package matcher

import "github.com/foreman-fleet/foreman/internal/beadstore"

// Agent is the minimal view of an agent the matcher needs: its declared
// capabilities and current in-progress load.
type Agent struct {
	Name              string
	Capabilities      []string
	TasksInProgress   int
}

// HistoryScorer supplies the Performance Tracker's derived history score for
// an (agent, labels) pair, decoupling this package from perf's storage.
type HistoryScorer interface {
	HistoryScore(agent string, labels []string) float64
}

// SkillMatch returns the fraction of task labels overlapping the agent's
// capabilities. Empty labels score a flat 0.6; the floor is 0.1.
func SkillMatch(capabilities, labels []string) float64 {
	if len(labels) == 0 {
		return 0.6
	}

	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}

	matched := 0
	for _, l := range labels {
		if capSet[l] {
			matched++
		}
	}

	score := float64(matched) / float64(len(labels))
	if score < 0.1 {
		score = 0.1
	}
	return score
}

// WorkloadFactor decays with in-progress load: 1/(1+tasksInProgress).
func WorkloadFactor(tasksInProgress int) float64 {
	return 1.0 / (1.0 + float64(tasksInProgress))
}

// Score computes skill_match × workload_factor × history_score, each
// clamped to [0,1] by construction, so the product is in [0,1].
func Score(agent Agent, task beadstore.Task, hist HistoryScorer) float64 {
	skill := SkillMatch(agent.Capabilities, task.Labels)
	workload := WorkloadFactor(agent.TasksInProgress)

	history := 0.5
	if hist != nil {
		history = hist.HistoryScore(agent.Name, task.Labels)
	}

	return skill * workload * history
}

// BestMatch returns the highest-scoring agent for task. Ties resolve to the
// first agent in input order.
func BestMatch(task beadstore.Task, agents []Agent, hist HistoryScorer) (Agent, float64, bool) {
	if len(agents) == 0 {
		return Agent{}, 0, false
	}

	best := agents[0]
	bestScore := Score(best, task, hist)

	for _, a := range agents[1:] {
		s := Score(a, task, hist)
		if s > bestScore {
			best, bestScore = a, s
		}
	}

	return best, bestScore, true
}
