// Package spawner implements the Spawner/Teardown component: it creates
// pane-hosted agent processes with registered identities, tracks them as
// swarms, and tears swarms down with the pre-checks and cascade cleanup
// the control plane requires before reclaiming a pane.
package spawner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/ids"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/foreman-fleet/foreman/internal/tmux"
	"github.com/foreman-fleet/foreman/internal/util"
	"github.com/google/uuid"
)

// NamePool is the fixed pool agent names are drawn from before falling back
// to a generated suffix, per the external-interfaces "Agent addressing"
// contract.
var NamePool = []string{
	"atlas", "bramble", "cinder", "driftwood", "ember", "flint", "granite",
	"harbor", "indigo", "juniper", "kestrel", "lichen", "marrow", "nimbus",
	"onyx", "pewter", "quartz", "ridge", "slate", "thistle",
}

// SwarmAgent is one member of a SwarmState.
type SwarmAgent struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	PaneID string `json:"pane_id"`
}

// SwarmState is the section-3 SwarmState entity.
type SwarmState struct {
	Session    string       `json:"session"`
	Count      int          `json:"count"`
	AgentType  string       `json:"agent_type"`
	SpawnTime  time.Time    `json:"spawn_time"`
	Agents     []SwarmAgent `json:"agents"`
	ProductUID string       `json:"product_uid,omitempty"`
	Archived   bool         `json:"archived,omitempty"`
}

// Releaser is the slice of the Reservation Client the Teardown path needs
// to cascade-release an agent's reservations without importing the whole
// reservation package (which itself depends on spawner-adjacent identity
// lookups, so the dependency runs this direction instead).
type Releaser interface {
	ReleaseAll(agent string) (int, error)
	HasActive(agent string) (bool, error)
}

// Notifier is the slice of the Broadcast Router Teardown needs to send the
// shutdown notification to the team channel.
type Notifier interface {
	NotifyTeardown(swarm, reason string) error
}

// Spawner is the Spawner/Teardown component, rooted at a project directory.
type Spawner struct {
	root string
	tm   *tmux.Tmux
	reg  *registry.Registry
	log  *events.Log
	bs   beadstore.Client
	rel  Releaser
	not  Notifier
}

func New(root string, tm *tmux.Tmux, reg *registry.Registry, log *events.Log, bs beadstore.Client, rel Releaser, not Notifier) *Spawner {
	return &Spawner{root: root, tm: tm, reg: reg, log: log, bs: bs, rel: rel, not: not}
}

func (s *Spawner) swarmStateDir() string { return filepath.Join(s.root, "pids") }

func (s *Spawner) swarmStatePath(session string) string {
	return filepath.Join(s.swarmStateDir(), "swarm-"+session+".state")
}

// SpawnResult reports the outcome of a spawn for one requested agent.
type SpawnResult struct {
	Name     string
	PaneID   string
	Warnings []string
}

// Spawn creates count agents of typeName in session, one pane each, and
// records the resulting SwarmState. It validates typeName up front so a
// bad type fails before any pane is created.
func (s *Spawner) Spawn(session, typeName string, count int, startDir string) ([]SpawnResult, error) {
	if !s.reg.Validate(typeName) {
		return nil, ferrors.Newf(ferrors.InvalidInput, "unknown agent type %q", typeName)
	}

	existing, err := s.loadExistingNames()
	if err != nil {
		return nil, err
	}

	state := SwarmState{Session: session, Count: count, AgentType: typeName, SpawnTime: time.Now().UTC()}
	var results []SpawnResult

	for i := 0; i < count; i++ {
		started := time.Now()
		name := allocateName(existing)
		existing[name] = true

		paneID, err := s.spawnOne(session, name, typeName, startDir)
		if err != nil {
			// Best-effort: log and continue to the next agent rather than
			// aborting the whole swarm on one pane failure.
			_ = s.log.Append(events.Event{Agent: name, Event: events.Idle,
				Payload: map[string]any{"spawn_error": err.Error()}})
			continue
		}

		res := SpawnResult{Name: name, PaneID: paneID}
		if elapsed := time.Since(started); elapsed > 30*time.Second {
			res.Warnings = append(res.Warnings, fmt.Sprintf("spawn took %s, over the ~30s target", elapsed.Round(time.Second)))
		}
		results = append(results, res)

		state.Agents = append(state.Agents, SwarmAgent{Index: i, Name: name, PaneID: paneID})

		_ = s.log.Append(events.Event{Agent: name, Event: events.Spawn, Payload: events.SpawnPayload(name, typeName, paneID)})
	}

	if err := s.writeSwarmState(session, state); err != nil {
		return results, err
	}
	return results, nil
}

func (s *Spawner) spawnOne(session, name, typeName, startDir string) (string, error) {
	paneID, err := s.tm.SplitPane(session, true, startDir)
	if err != nil {
		return "", ferrors.Wrap(ferrors.TransientExternal, "splitting pane", err)
	}

	if err := s.tm.SetPaneOption(session, "@agent_name", name); err != nil {
		return paneID, ferrors.Wrap(ferrors.TransientExternal, "setting pane option", err)
	}
	if err := s.tm.SetPaneOption(session, "@llm_name", typeName); err != nil {
		return paneID, ferrors.Wrap(ferrors.TransientExternal, "setting pane option", err)
	}

	if err := s.reg.BindPane(paneID, name, typeName); err != nil {
		return paneID, err
	}
	if _, err := s.reg.Register(name, typeName); err != nil {
		return paneID, err
	}

	return paneID, nil
}

func (s *Spawner) loadExistingNames() (map[string]bool, error) {
	active, err := s.reg.Active()
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(active))
	for _, a := range active {
		existing[a.Name] = true
	}
	return existing, nil
}

// allocateName picks the first unused pool name, falling back to a
// generated "agent-<first 8 chars of a uuid>" name once the pool is exhausted.
func allocateName(existing map[string]bool) string {
	for _, n := range NamePool {
		if !existing[n] {
			return n
		}
	}
	return "agent-" + uuid.New().String()[:8]
}

func (s *Spawner) writeSwarmState(session string, state SwarmState) error {
	if err := os.MkdirAll(s.swarmStateDir(), 0755); err != nil {
		return err
	}
	return util.AtomicWriteJSON(s.swarmStatePath(session), state)
}

// LoadSwarmState reads a swarm state file by session name.
func (s *Spawner) LoadSwarmState(session string) (*SwarmState, error) {
	data, err := os.ReadFile(s.swarmStatePath(session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.Newf(ferrors.NotFound, "no swarm state for %q", session)
		}
		return nil, err
	}
	var state SwarmState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, ferrors.Wrap(ferrors.Stale, "corrupt swarm state", err)
	}
	return &state, nil
}

// TeardownReport summarizes a teardown per spec 4.G step 6.
type TeardownReport struct {
	Session      string
	Duration     time.Duration
	Torn         []string
	Failed       []string
	Warnings     []string
	Completed    int
	InProgress   int
	Efficiency   float64 // completed / (completed + in_progress); 0 if no tasks
}

// Teardown tears down a swarm by session name. Unless force, it refuses
// when the swarm has in-progress tasks, active reservations, or uncommitted
// repo state; force proceeds anyway and records the skipped checks as
// warnings.
func (s *Spawner) Teardown(session string, force bool, reason string) (*TeardownReport, error) {
	started := time.Now()
	state, err := s.LoadSwarmState(session)
	if err != nil {
		return nil, err // unreadable swarm state is the one fatal condition
	}

	report := &TeardownReport{Session: session}

	if !force {
		if warnings := s.preTeardownChecks(state); len(warnings) > 0 {
			return nil, ferrors.Newf(ferrors.PolicyExceeded,
				"teardown blocked: %v (use force to override)", warnings)
		}
	} else {
		report.Warnings = append(report.Warnings, s.preTeardownChecks(state)...)
	}

	for _, agent := range state.Agents {
		if s.rel != nil {
			if n, err := s.rel.ReleaseAll(agent.Name); err != nil {
				report.Warnings = append(report.Warnings, fmt.Sprintf("releasing reservations for %s: %v", agent.Name, err))
			} else if n > 0 {
				report.Warnings = append(report.Warnings, fmt.Sprintf("released %d reservation(s) for %s", n, agent.Name))
			}
		}
	}

	if s.not != nil {
		if err := s.not.NotifyTeardown(session, reason); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("shutdown notification: %v", err))
		}
	}

	completed, inProgress := s.agentTaskCounts(state.Agents)
	report.Completed, report.InProgress = completed, inProgress
	if completed+inProgress > 0 {
		report.Efficiency = float64(completed) / float64(completed+inProgress)
	}

	for _, agent := range state.Agents {
		if agent.PaneID == "" {
			continue
		}
		if err := s.tm.KillPane(agent.PaneID); err != nil {
			report.Failed = append(report.Failed, agent.Name)
			report.Warnings = append(report.Warnings, fmt.Sprintf("killing pane for %s: %v", agent.Name, err))
			continue
		}
		if err := s.reg.ReleasePane(agent.PaneID); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("releasing binding for %s: %v", agent.Name, err))
		}
		if err := s.reg.Unregister(agent.Name); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unregistering %s: %v", agent.Name, err))
		}
		torn := ids.SafePane(agent.PaneID)
		_ = os.Remove(filepath.Join(s.root, "pids", torn+".agent-name"))
		report.Torn = append(report.Torn, agent.Name)
		_ = s.log.Append(events.Event{Agent: agent.Name, Event: events.Teardown, Payload: events.TeardownPayload(session, reason)})
	}

	state.Archived = true
	if err := s.writeSwarmState(session, *state); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("archiving swarm state: %v", err))
	}

	report.Duration = time.Since(started)
	return report, nil
}

// SpawnNames is a thin adapter over Spawn for callers that only care about
// the resulting agent names (the Auto-Scaler's scale-up path).
func (s *Spawner) SpawnNames(session, typeName string, count int, startDir string) ([]string, error) {
	results, err := s.Spawn(session, typeName, count, startDir)
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	return names, err
}

// TeardownAgent tears down a single agent by name without disturbing the
// rest of its swarm: it finds the swarm owning the agent, releases that
// agent's reservations, kills its pane, and removes it from the registry
// and the swarm's recorded state. Used by the Auto-Scaler's check-idle
// path, which retires one agent at a time rather than a whole swarm.
func (s *Spawner) TeardownAgent(name string) error {
	session, agent, err := s.findAgentSwarm(name)
	if err != nil {
		return err
	}

	if s.rel != nil {
		if _, err := s.rel.ReleaseAll(agent.Name); err != nil {
			return ferrors.Wrap(ferrors.TransientExternal, "releasing reservations", err)
		}
	}

	if agent.PaneID != "" {
		if err := s.tm.KillPane(agent.PaneID); err != nil {
			return ferrors.Wrap(ferrors.TransientExternal, "killing pane", err)
		}
		if err := s.reg.ReleasePane(agent.PaneID); err != nil {
			return err
		}
	}
	if err := s.reg.Unregister(agent.Name); err != nil {
		return err
	}

	_ = s.log.Append(events.Event{Agent: agent.Name, Event: events.Teardown,
		Payload: events.TeardownPayload(session, "idle-timeout")})

	return s.removeAgentFromSwarm(session, name)
}

// findAgentSwarm scans recorded swarm states for the one containing name.
func (s *Spawner) findAgentSwarm(name string) (string, SwarmAgent, error) {
	entries, err := os.ReadDir(s.swarmStateDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", SwarmAgent{}, ferrors.Newf(ferrors.NotFound, "no swarm owns agent %q", name)
		}
		return "", SwarmAgent{}, err
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(s.swarmStateDir(), e.Name()))
		if err != nil {
			continue
		}
		var state SwarmState
		if err := json.Unmarshal(data, &state); err != nil || state.Archived {
			continue
		}
		for _, a := range state.Agents {
			if a.Name == name {
				return state.Session, a, nil
			}
		}
	}
	return "", SwarmAgent{}, ferrors.Newf(ferrors.NotFound, "no swarm owns agent %q", name)
}

// removeAgentFromSwarm drops name from its swarm's recorded agent list,
// leaving the rest of the swarm state (and its file) intact.
func (s *Spawner) removeAgentFromSwarm(session, name string) error {
	state, err := s.LoadSwarmState(session)
	if err != nil {
		return err
	}
	kept := state.Agents[:0]
	for _, a := range state.Agents {
		if a.Name != name {
			kept = append(kept, a)
		}
	}
	state.Agents = kept
	return s.writeSwarmState(session, *state)
}

// preTeardownChecks returns a human-readable list of reasons teardown
// should be blocked, or nil if clear.
func (s *Spawner) preTeardownChecks(state *SwarmState) []string {
	var warnings []string

	if s.bs != nil {
		completed, inProgress := s.agentTaskCounts(state.Agents)
		_ = completed
		if inProgress > 0 {
			warnings = append(warnings, fmt.Sprintf("%d task(s) still in_progress", inProgress))
		}
	}

	if s.rel != nil {
		for _, agent := range state.Agents {
			if active, err := s.rel.HasActive(agent.Name); err == nil && active {
				warnings = append(warnings, fmt.Sprintf("%s holds active reservations", agent.Name))
			}
		}
	}

	if out, err := util.ExecWithOutput(s.root, "git", "status", "--porcelain"); err == nil && out != "" {
		warnings = append(warnings, "uncommitted changes in "+s.root)
	}

	return warnings
}

// agentTaskCounts tallies completed vs. in-progress tasks owned by any
// agent in the swarm, used for both the pre-teardown check and the
// efficiency report.
func (s *Spawner) agentTaskCounts(agents []SwarmAgent) (completed, inProgress int) {
	if s.bs == nil {
		return 0, 0
	}
	owners := make(map[string]bool, len(agents))
	for _, a := range agents {
		owners[a.Name] = true
	}

	inProgressTasks, err := s.bs.List(beadstore.InProgress)
	if err == nil {
		for _, t := range inProgressTasks {
			if owners[t.Owner] {
				inProgress++
			}
		}
	}
	closedTasks, err := s.bs.List(beadstore.Closed)
	if err == nil {
		for _, t := range closedTasks {
			if owners[t.Owner] {
				completed++
			}
		}
	}
	return completed, inProgress
}
