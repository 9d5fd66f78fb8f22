package spawner

import (
	"testing"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct {
	active map[string]bool
}

func (f *fakeReleaser) ReleaseAll(agent string) (int, error) { return 0, nil }
func (f *fakeReleaser) HasActive(agent string) (bool, error) { return f.active[agent], nil }

func TestAllocateNameUsesPoolBeforeFallback(t *testing.T) {
	existing := map[string]bool{}
	name := allocateName(existing)
	assert.Equal(t, NamePool[0], name)
}

func TestAllocateNameFallsBackWhenPoolExhausted(t *testing.T) {
	existing := make(map[string]bool, len(NamePool))
	for _, n := range NamePool {
		existing[n] = true
	}
	name := allocateName(existing)
	assert.Contains(t, name, "agent-")
}

func TestWriteAndLoadSwarmStateRoundTrips(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)

	state := SwarmState{Session: "fleet", Count: 2, AgentType: "builder",
		Agents: []SwarmAgent{{Index: 0, Name: "atlas", PaneID: "%1"}}}
	require.NoError(t, s.writeSwarmState("fleet", state))

	loaded, err := s.LoadSwarmState("fleet")
	require.NoError(t, err)
	assert.Equal(t, "builder", loaded.AgentType)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "atlas", loaded.Agents[0].Name)
}

func TestLoadSwarmStateMissingIsNotFound(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	_, err := s.LoadSwarmState("nope")
	assert.Error(t, err)
}

func TestFindAgentSwarmLocatesOwningSession(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	require.NoError(t, s.writeSwarmState("fleet", SwarmState{
		Session: "fleet",
		Agents:  []SwarmAgent{{Name: "atlas", PaneID: "%1"}},
	}))

	session, agent, err := s.findAgentSwarm("atlas")
	require.NoError(t, err)
	assert.Equal(t, "fleet", session)
	assert.Equal(t, "%1", agent.PaneID)
}

func TestFindAgentSwarmSkipsArchived(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	require.NoError(t, s.writeSwarmState("fleet", SwarmState{
		Session: "fleet", Archived: true,
		Agents: []SwarmAgent{{Name: "atlas"}},
	}))

	_, _, err := s.findAgentSwarm("atlas")
	assert.Error(t, err)
}

func TestRemoveAgentFromSwarmDropsByName(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	require.NoError(t, s.writeSwarmState("fleet", SwarmState{
		Session: "fleet",
		Agents:  []SwarmAgent{{Name: "atlas"}, {Name: "bramble"}},
	}))

	require.NoError(t, s.removeAgentFromSwarm("fleet", "atlas"))

	loaded, err := s.LoadSwarmState("fleet")
	require.NoError(t, err)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "bramble", loaded.Agents[0].Name)
}

func TestAgentTaskCountsTalliesByOwner(t *testing.T) {
	bs := beadstore.NewFake(
		beadstore.Task{ID: "t1", Owner: "atlas", Status: beadstore.InProgress},
		beadstore.Task{ID: "t2", Owner: "atlas", Status: beadstore.Closed},
		beadstore.Task{ID: "t3", Owner: "someone-else", Status: beadstore.Closed},
	)
	s := New(t.TempDir(), nil, nil, nil, bs, nil, nil)

	completed, inProgress := s.agentTaskCounts([]SwarmAgent{{Name: "atlas"}})
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, inProgress)
}

func TestAgentTaskCountsZeroWithoutBeadstore(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	completed, inProgress := s.agentTaskCounts([]SwarmAgent{{Name: "atlas"}})
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, inProgress)
}

func TestPreTeardownChecksFlagsInProgressAndReservations(t *testing.T) {
	bs := beadstore.NewFake(beadstore.Task{ID: "t1", Owner: "atlas", Status: beadstore.InProgress})
	rel := &fakeReleaser{active: map[string]bool{"atlas": true}}
	s := New(t.TempDir(), nil, nil, nil, bs, rel, nil)

	warnings := s.preTeardownChecks(&SwarmState{Agents: []SwarmAgent{{Name: "atlas"}}})
	require.Len(t, warnings, 2)
}

func TestPreTeardownChecksClearWhenIdle(t *testing.T) {
	s := New(t.TempDir(), nil, nil, nil, nil, nil, nil)
	warnings := s.preTeardownChecks(&SwarmState{Agents: []SwarmAgent{{Name: "atlas"}}})
	assert.Empty(t, warnings)
}
