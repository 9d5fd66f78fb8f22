package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMultiplexer struct{ live []string }

func (f fakeMultiplexer) ActivePaneIDs() ([]string, error) { return f.live, nil }

type fakeNotifier struct{ calls []string }

func (f *fakeNotifier) NotifyCoordinators(subject, body string) error {
	f.calls = append(f.calls, subject)
	return nil
}

// newTestMonitor seeds instance records directly and, for every Active
// instance, binds it a live pane so registry.Active() (which now requires
// a live pane, not just an on-disk "active" status) resolves it the same
// way a real running agent would.
func newTestMonitor(t *testing.T, bs beadstore.Client, notifier CoordinatorNotifier, instances map[string]registry.AgentInstance) *Monitor {
	t.Helper()
	root := t.TempDir()
	var live []string
	if len(instances) > 0 {
		dir := filepath.Join(root, ".agent-profiles", "instances")
		require.NoError(t, os.MkdirAll(dir, 0755))
		for name, inst := range instances {
			data, err := json.Marshal(inst)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0644))
			if inst.Status == registry.Active {
				live = append(live, "%"+name)
			}
		}
	}
	reg := registry.New(root, fakeMultiplexer{live: live})
	for name, inst := range instances {
		if inst.Status == registry.Active {
			require.NoError(t, reg.BindPane("%"+name, name, inst.Type))
		}
	}
	log, err := events.Open(filepath.Join(root, "events.log"))
	require.NoError(t, err)

	m, err := Open(root, bs, log, reg, nil, notifier, filepath.Join(root, "monitor.db"),
		QueueLevels{Low: 1, Medium: 5, High: 10, Critical: 20},
		time.Hour, time.Hour, time.Minute, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLevelThresholds(t *testing.T) {
	levels := QueueLevels{Low: 1, Medium: 5, High: 10, Critical: 20}
	assert.Equal(t, "normal", Level(0, levels))
	assert.Equal(t, "low", Level(1, levels))
	assert.Equal(t, "medium", Level(5, levels))
	assert.Equal(t, "high", Level(10, levels))
	assert.Equal(t, "critical", Level(20, levels))
}

func TestRecordHeartbeatAndLastTick(t *testing.T) {
	m := newTestMonitor(t, beadstore.NewFake(), nil, nil)

	_, ok := m.LastTick()
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.RecordHeartbeat(now))

	got, ok := m.LastTick()
	require.True(t, ok)
	assert.True(t, got.Equal(now))

	pid, ok := m.PID()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStatusReflectsQueueDepthAndActiveAgents(t *testing.T) {
	bs := beadstore.NewFake(beadstore.Task{ID: "t1", Status: beadstore.Ready})
	m := newTestMonitor(t, bs, nil, map[string]registry.AgentInstance{
		"atlas": {Name: "atlas", Status: registry.Active},
	})

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Depth)
	assert.Equal(t, "normal", snap.Level)
	assert.Equal(t, []string{"atlas"}, snap.Active)
}

func TestTickNotifiesOnThresholdBreachAndRecovery(t *testing.T) {
	notifier := &fakeNotifier{}
	bs := beadstore.NewFake(beadstore.Task{ID: "t1", Status: beadstore.Ready})
	m := newTestMonitor(t, bs, notifier, nil)

	report, err := m.Tick(time.Now(), false)
	require.NoError(t, err)
	assert.Equal(t, "low", report.Level)
	assert.Equal(t, "normal", report.PrevLevel)
	assert.Contains(t, notifier.calls, "queue threshold breach")

	_, err = os.Stat(m.queueAlertPath())
	assert.NoError(t, err, "breach should write the queue alert flag")

	notifier.calls = nil
	bs.Tasks["t1"].Status = beadstore.Closed
	_, err = m.Tick(time.Now(), false)
	require.NoError(t, err)

	_, err = os.Stat(m.queueAlertPath())
	assert.True(t, os.IsNotExist(err), "recovery should clear the queue alert flag")
}

func TestCheckStuckTasksFlagsOldUpdates(t *testing.T) {
	stale := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	bs := beadstore.NewFake(beadstore.Task{ID: "t1", Status: beadstore.InProgress, Updated: stale})
	notifier := &fakeNotifier{}
	m := newTestMonitor(t, bs, notifier, nil)

	stuck, err := m.checkStuckTasks(time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, stuck)
	assert.Contains(t, notifier.calls, "[agent-health] stuck tasks")
}

func TestCheckHungAgentsFlagsMissingHeartbeat(t *testing.T) {
	m := newTestMonitor(t, beadstore.NewFake(), &fakeNotifier{}, map[string]registry.AgentInstance{
		"atlas": {Name: "atlas", Status: registry.Active},
	})

	hung, err := m.checkHungAgents(time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"atlas"}, hung)
}

func TestNudgeIdleAgentsSkipsWithoutLivePane(t *testing.T) {
	bs := beadstore.NewFake(beadstore.Task{ID: "t1", Status: beadstore.Ready})

	// An instance record whose status is still "active" but whose pane was
	// never bound (e.g. it crashed without a clean teardown). registry.Active
	// now reconciles against the multiplexer, so this agent must not appear
	// in the active roster nudgeIdleAgents iterates, let alone reach tmux.
	root := t.TempDir()
	dir := filepath.Join(root, ".agent-profiles", "instances")
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(registry.AgentInstance{Name: "atlas", Status: registry.Active})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "atlas.json"), data, 0644))

	reg := registry.New(root, fakeMultiplexer{})
	log, err := events.Open(filepath.Join(root, "events.log"))
	require.NoError(t, err)
	m, err := Open(root, bs, log, reg, nil, nil, filepath.Join(root, "monitor.db"),
		QueueLevels{Low: 1, Medium: 5, High: 10, Critical: 20},
		time.Hour, time.Hour, time.Minute, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	ready, err := bs.Ready()
	require.NoError(t, err)
	nudged, err := m.nudgeIdleAgents(time.Now(), ready)
	require.NoError(t, err)
	assert.Empty(t, nudged, "no live pane means nudge must not attempt to touch tmux")
}

func TestClearHealthAlertFlagIsIdempotent(t *testing.T) {
	m := newTestMonitor(t, beadstore.NewFake(), nil, nil)
	assert.NoError(t, m.ClearHealthAlertFlag())
	require.NoError(t, m.writeHealthAlertFlag("stuck_tasks", "t1"))
	assert.NoError(t, m.ClearHealthAlertFlag())
	assert.NoError(t, m.ClearHealthAlertFlag())
}
