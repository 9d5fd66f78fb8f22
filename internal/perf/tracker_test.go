package perf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "active.jsonl"), filepath.Join(dir, "perf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func intPtr(v int) *int { return &v }

func TestStartThenCompleteMatchesStart(t *testing.T) {
	tr := openTestTracker(t)

	require.NoError(t, tr.Start("alice", "t1", []string{"go"}))
	result, err := tr.Complete("alice", "t1", intPtr(80))
	require.NoError(t, err)
	assert.True(t, result.MatchedStart)
}

func TestCompleteWithoutStartReportsUnmatched(t *testing.T) {
	tr := openTestTracker(t)

	result, err := tr.Complete("bob", "ghost-task", nil)
	require.NoError(t, err)
	assert.False(t, result.MatchedStart)
}

func TestInProgressCountExcludesCompleted(t *testing.T) {
	tr := openTestTracker(t)

	require.NoError(t, tr.Start("alice", "t1", nil))
	require.NoError(t, tr.Start("alice", "t2", nil))
	assert.Equal(t, 2, mustCount(t, tr, "alice"))

	_, err := tr.Complete("alice", "t1", intPtr(90))
	require.NoError(t, err)
	assert.Equal(t, 1, mustCount(t, tr, "alice"))
}

func mustCount(t *testing.T, tr *Tracker, agent string) int {
	t.Helper()
	n, err := tr.InProgressCount(agent)
	require.NoError(t, err)
	return n
}

func TestHistoryScorePrefersLabelOverlap(t *testing.T) {
	tr := openTestTracker(t)

	require.NoError(t, tr.Start("alice", "t1", []string{"go"}))
	_, err := tr.Complete("alice", "t1", intPtr(100))
	require.NoError(t, err)

	require.NoError(t, tr.Start("alice", "t2", []string{"rust"}))
	_, err = tr.Complete("alice", "t2", intPtr(0))
	require.NoError(t, err)

	score := tr.HistoryScore("alice", []string{"go"})
	assert.InDelta(t, 1.0, score, 1e-9, "should average only the go-labeled completion")
}

func TestHistoryScoreFallsBackToAllWhenNoOverlap(t *testing.T) {
	tr := openTestTracker(t)

	require.NoError(t, tr.Start("alice", "t1", []string{"rust"}))
	_, err := tr.Complete("alice", "t1", intPtr(100))
	require.NoError(t, err)

	score := tr.HistoryScore("alice", []string{"go"})
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestHistoryScoreDefaultsWhenNoQualityData(t *testing.T) {
	tr := openTestTracker(t)
	assert.Equal(t, 0.5, tr.HistoryScore("nobody", []string{"go"}))
}

func TestCompletionRateAndSuccessRate(t *testing.T) {
	tr := openTestTracker(t)

	assert.Equal(t, -1.0, tr.CompletionRate("alice"), "no data yields -1")
	assert.Equal(t, -1.0, tr.SuccessRate("alice"))

	require.NoError(t, tr.Start("alice", "t1", nil))
	_, err := tr.Complete("alice", "t1", intPtr(90))
	require.NoError(t, err)
	require.NoError(t, tr.Start("alice", "t2", nil))

	assert.InDelta(t, 0.5, tr.CompletionRate("alice"), 1e-9, "1 completed of 2 total")
	assert.InDelta(t, 1.0, tr.SuccessRate("alice"), 1e-9, "quality 90 >= 50 threshold")
}

func TestQualityToScoreClampsRange(t *testing.T) {
	assert.Equal(t, 0.1, qualityToScore(0))
	assert.Equal(t, 1.0, qualityToScore(100))
	assert.InDelta(t, 0.55, qualityToScore(50), 1e-9)
}
