// Package registry implements the Identity & Registry component: it names
// panes, binds them to agent types, and tracks liveness. Every mutation is
// an atomic-rename write so cross-process readers never see a half-written
// instance or identity file, mirroring the teacher's registry convention of
// staging "*.tmp" and renaming into place.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/ids"
	"github.com/foreman-fleet/foreman/internal/util"
	"gopkg.in/yaml.v3"
)

// AgentType is a static catalog entry loaded from .agent-profiles/types.yaml.
type AgentType struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Capabilities  []string `yaml:"capabilities" json:"capabilities"`
	CapacityLimit int      `yaml:"capacity_limit" json:"capacity_limit"`
}

// Status is an AgentInstance's lifecycle state.
type Status string

const (
	Active   Status = "active"
	Inactive Status = "inactive"
)

// AgentInstance is a registered agent.
type AgentInstance struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       Status    `json:"status"`
}

// PaneBinding ties a live pane to an AgentInstance.
type PaneBinding struct {
	PaneID      string `json:"pane"`
	AgentName   string `json:"agent_mail_name"`
	ProjectRoot string `json:"project_root"`
	Type        string `json:"type,omitempty"`
}

// Multiplexer is the slice of the terminal-multiplexer external interface
// the registry needs to determine pane liveness.
type Multiplexer interface {
	ActivePaneIDs() ([]string, error)
}

// Registry is the Identity & Registry component, rooted at a project
// directory laid out per the filesystem-layout contract:
//
//	.agent-profiles/types.yaml        AgentType catalog
//	.agent-profiles/instances/<n>.json AgentInstance records
//	panes/<SAFE_PANE>.identity        PaneBinding (JSON)
//	pids/<SAFE_PANE>.agent-name       just the bound name, for fast lookup
type Registry struct {
	root string
	mux  Multiplexer
}

func New(projectRoot string, mux Multiplexer) *Registry {
	return &Registry{root: projectRoot, mux: mux}
}

func (r *Registry) instancesDir() string { return filepath.Join(r.root, ".agent-profiles", "instances") }
func (r *Registry) panesDir() string     { return filepath.Join(r.root, "panes") }
func (r *Registry) pidsDir() string      { return filepath.Join(r.root, "pids") }
func (r *Registry) catalogPath() string {
	return filepath.Join(r.root, ".agent-profiles", "types.yaml")
}

func (r *Registry) instancePath(name string) string {
	return filepath.Join(r.instancesDir(), name+".json")
}

// ListTypes returns the AgentType catalog.
func (r *Registry) ListTypes() ([]AgentType, error) {
	data, err := os.ReadFile(r.catalogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc struct {
		Types []AgentType `yaml:"types"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidInput, "parsing type catalog", err)
	}
	return doc.Types, nil
}

// ShowType returns the named AgentType.
func (r *Registry) ShowType(name string) (*AgentType, error) {
	types, err := r.ListTypes()
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if t.Name == name {
			return &t, nil
		}
	}
	return nil, ferrors.Newf(ferrors.NotFound, "unknown agent type %q", name)
}

// Capabilities returns the declared capabilities for type name.
func (r *Registry) Capabilities(name string) ([]string, error) {
	t, err := r.ShowType(name)
	if err != nil {
		return nil, err
	}
	return t.Capabilities, nil
}

// Validate reports whether typeName exists in the catalog.
func (r *Registry) Validate(typeName string) bool {
	_, err := r.ShowType(typeName)
	return err == nil
}

// Register creates or idempotently re-confirms an AgentInstance. It fails
// with InvalidInput if typeName isn't in the catalog.
func (r *Registry) Register(name, typeName string) (*AgentInstance, error) {
	if !r.Validate(typeName) {
		return nil, ferrors.Newf(ferrors.InvalidInput, "unknown agent type %q", typeName)
	}

	if existing, err := r.show(name); err == nil {
		if existing.Type == typeName {
			existing.Status = Active
			if err := r.writeInstance(existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	inst := &AgentInstance{Name: name, Type: typeName, RegisteredAt: time.Now().UTC(), Status: Active}
	if err := r.writeInstance(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Unregister removes an AgentInstance. Absence is a no-op, not a failure.
func (r *Registry) Unregister(name string) error {
	err := os.Remove(r.instancePath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *Registry) show(name string) (*AgentInstance, error) {
	data, err := os.ReadFile(r.instancePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.Newf(ferrors.NotFound, "agent %q not registered", name)
		}
		return nil, err
	}
	var inst AgentInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, ferrors.Wrap(ferrors.Stale, "corrupt instance record", err)
	}
	return &inst, nil
}

// Show returns the AgentInstance record for name.
func (r *Registry) Show(name string) (*AgentInstance, error) { return r.show(name) }

func (r *Registry) writeInstance(inst *AgentInstance) error {
	if err := os.MkdirAll(r.instancesDir(), 0755); err != nil {
		return err
	}
	return util.AtomicWriteJSON(r.instancePath(inst.Name), inst)
}

// All returns every registered AgentInstance regardless of status or pane
// liveness — the full known-identity set that @all addresses, a superset
// of Active.
func (r *Registry) All() ([]AgentInstance, error) {
	entries, err := os.ReadDir(r.instancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []AgentInstance
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.instancesDir(), e.Name()))
		if err != nil {
			continue // skip unreadable entry; surfaced via doctor, not here
		}
		var inst AgentInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Active returns every registered AgentInstance whose status is Active AND
// whose bound pane is currently live in the multiplexer. This reconciles
// the on-disk status against actual pane liveness, so an agent whose pane
// crashed without a clean teardown drops out of @active immediately
// instead of waiting for its instance record to be marked Inactive.
func (r *Registry) Active() ([]AgentInstance, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	var out []AgentInstance
	for _, inst := range all {
		if inst.Status != Active {
			continue
		}
		if _, ok := r.LivePaneFor(inst.Name); ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

// BindPane acquires a pane binding: writes the identity file and the
// fast-lookup agent-name file. It refuses to silently resolve a duplicate
// binding — if another live pane already claims agentName, it returns a
// Conflict error instead of overwriting.
func (r *Registry) BindPane(paneID, agentName, typeName string) error {
	safe := ids.SafePane(paneID)

	if existing, ok := r.findLiveBindingFor(agentName); ok && existing != safe {
		return ferrors.NewConflict(ferrors.CrossAgentConflict,
			fmt.Sprintf("agent %q already bound to live pane %q", agentName, existing))
	}

	if err := os.MkdirAll(r.panesDir(), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(r.pidsDir(), 0755); err != nil {
		return err
	}

	binding := PaneBinding{PaneID: paneID, AgentName: agentName, ProjectRoot: r.root, Type: typeName}
	identityPath := filepath.Join(r.panesDir(), safe+".identity")
	if err := util.AtomicWriteJSON(identityPath, binding); err != nil {
		return err
	}

	namePath := filepath.Join(r.pidsDir(), safe+".agent-name")
	return util.AtomicWriteFile(namePath, []byte(agentName), 0644)
}

// LivePaneFor returns the live pane id currently bound to agentName, for
// callers (the broadcast router's pane-inject channel) that need to target
// tmux directly rather than go through a bound session name.
func (r *Registry) LivePaneFor(agentName string) (string, bool) {
	live, err := r.livePaneSet()
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(r.panesDir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".identity" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.panesDir(), e.Name()))
		if err != nil {
			continue
		}
		var b PaneBinding
		if err := json.Unmarshal(data, &b); err != nil {
			continue
		}
		if b.AgentName != agentName {
			continue
		}
		if live[b.PaneID] {
			return b.PaneID, true
		}
	}
	return "", false
}

// findLiveBindingFor scans panes/*.identity for a live pane already bound
// to agentName, returning its SAFE_PANE id.
func (r *Registry) findLiveBindingFor(agentName string) (string, bool) {
	live, err := r.livePaneSet()
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(r.panesDir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".identity" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.panesDir(), e.Name()))
		if err != nil {
			continue
		}
		var b PaneBinding
		if err := json.Unmarshal(data, &b); err != nil {
			continue
		}
		if b.AgentName != agentName {
			continue
		}
		safe := ids.SafePane(b.PaneID)
		if live[b.PaneID] || live[safe] {
			return safe, true
		}
	}
	return "", false
}

// ReleasePane releases a pane binding on kill or explicit teardown. Dead
// panes' identity files are archived (renamed with a ".stale" suffix), not
// deleted, so session resurrection can restore context. The bound agent's
// instance record is flipped to Inactive rather than removed, so its
// history and capabilities survive the pane's death.
func (r *Registry) ReleasePane(paneID string) error {
	safe := ids.SafePane(paneID)
	identityPath := filepath.Join(r.panesDir(), safe+".identity")

	if data, err := os.ReadFile(identityPath); err == nil {
		var binding PaneBinding
		if jsonErr := json.Unmarshal(data, &binding); jsonErr == nil && binding.AgentName != "" {
			if err := r.markInactive(binding.AgentName); err != nil {
				return err
			}
		}
		if err := os.Rename(identityPath, identityPath+".stale"); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	namePath := filepath.Join(r.pidsDir(), safe+".agent-name")
	if err := os.Remove(namePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// markInactive flips a registered agent's instance status to Inactive.
// Absence of the instance record is not an error — a pane can be released
// for an agent that was never formally registered.
func (r *Registry) markInactive(name string) error {
	inst, err := r.show(name)
	if err != nil {
		if errors.Is(err, ferrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if inst.Status == Inactive {
		return nil
	}
	inst.Status = Inactive
	return r.writeInstance(inst)
}

func (r *Registry) livePaneSet() (map[string]bool, error) {
	if r.mux == nil {
		return map[string]bool{}, nil
	}
	ids, err := r.mux.ActivePaneIDs()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// IsLive reports whether paneID appears in the multiplexer's active-pane
// listing.
func (r *Registry) IsLive(paneID string) bool {
	live, err := r.livePaneSet()
	if err != nil {
		return false
	}
	return live[paneID]
}
