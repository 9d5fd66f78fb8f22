package matcher

import (
	"testing"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedHistory float64

func (f fixedHistory) HistoryScore(string, []string) float64 { return float64(f) }

func TestSkillMatchEmptyLabels(t *testing.T) {
	assert.Equal(t, 0.6, SkillMatch([]string{"go", "sql"}, nil))
}

func TestSkillMatchFloor(t *testing.T) {
	score := SkillMatch([]string{"go"}, []string{"rust", "python", "java"})
	assert.Equal(t, 0.1, score, "no overlap should floor at 0.1, not hit 0")
}

func TestSkillMatchPartialOverlap(t *testing.T) {
	score := SkillMatch([]string{"go", "sql"}, []string{"go", "rust"})
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestWorkloadFactorDecays(t *testing.T) {
	assert.Equal(t, 1.0, WorkloadFactor(0))
	assert.InDelta(t, 0.5, WorkloadFactor(1), 1e-9)
	assert.InDelta(t, 0.25, WorkloadFactor(3), 1e-9)
}

func TestBestMatchPicksHighestScore(t *testing.T) {
	task := beadstore.Task{Labels: []string{"go", "sql"}}
	agents := []Agent{
		{Name: "low", Capabilities: []string{"rust"}, TasksInProgress: 0},
		{Name: "high", Capabilities: []string{"go", "sql"}, TasksInProgress: 0},
	}

	best, score, ok := BestMatch(task, agents, fixedHistory(1.0))
	require.True(t, ok)
	assert.Equal(t, "high", best.Name)
	assert.Greater(t, score, 0.5)
}

func TestBestMatchNoAgents(t *testing.T) {
	_, _, ok := BestMatch(beadstore.Task{}, nil, nil)
	assert.False(t, ok)
}

func TestBestMatchTiesResolveToFirst(t *testing.T) {
	task := beadstore.Task{}
	agents := []Agent{
		{Name: "first"},
		{Name: "second"},
	}
	best, _, ok := BestMatch(task, agents, nil)
	require.True(t, ok)
	assert.Equal(t, "first", best.Name)
}

func TestScoreUsesDefaultHistoryWhenNil(t *testing.T) {
	task := beadstore.Task{Labels: []string{"go"}}
	agent := Agent{Capabilities: []string{"go"}}
	score := Score(agent, task, nil)
	assert.InDelta(t, 1.0*1.0*0.5, score, 1e-9)
}
