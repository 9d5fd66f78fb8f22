package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/foreman-fleet/foreman/internal/util"
)

// paneBinding mirrors registry.PaneBinding's JSON shape. Doctor reads the
// filesystem layout directly rather than importing the registry package,
// since these checks exist precisely to catch what Registry's own methods
// silently skip (see registry.Active's "surfaced via doctor, not here").
type paneBinding struct {
	PaneID      string `json:"pane"`
	AgentName   string `json:"agent_mail_name"`
	ProjectRoot string `json:"project_root"`
	Type        string `json:"type,omitempty"`
}

func panesDir(root string) string          { return filepath.Join(root, "panes") }
func pidsDir(root string) string           { return filepath.Join(root, "pids") }
func reservePendingDir(root string) string { return filepath.Join(root, ".beads", "reserve-pending") }

func readPaneBinding(path string) (paneBinding, error) {
	var b paneBinding
	data, err := os.ReadFile(path)
	if err != nil {
		return b, err
	}
	err = json.Unmarshal(data, &b)
	return b, err
}

// --- OrphanIdentityCheck ---

// OrphanIdentityCheck finds panes/*.identity files whose pane is no longer
// live but were never released (ReleasePane archives with a ".stale"
// suffix; a plain ".identity" file with a dead pane means teardown never
// ran, e.g. the pane was killed out from under the agent).
type OrphanIdentityCheck struct {
	BaseCheck
	orphans []string
}

func NewOrphanIdentityCheck() *OrphanIdentityCheck {
	return &OrphanIdentityCheck{BaseCheck: BaseCheck{CheckName: "orphan-identity"}}
}

func (c *OrphanIdentityCheck) CanFix() bool { return true }

func (c *OrphanIdentityCheck) Run(ctx *CheckContext) *CheckResult {
	c.orphans = nil

	entries, err := os.ReadDir(panesDir(ctx.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return &CheckResult{Status: StatusOK, Message: "no panes directory"}
		}
		return &CheckResult{Status: StatusError, Message: err.Error()}
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".identity" {
			continue
		}
		path := filepath.Join(panesDir(ctx.Root), e.Name())
		b, err := readPaneBinding(path)
		if err != nil {
			continue
		}
		if !ctx.LivePanes[b.PaneID] {
			c.orphans = append(c.orphans, path)
		}
	}

	if len(c.orphans) == 0 {
		return &CheckResult{Status: StatusOK, Message: "no orphan identity files"}
	}
	sort.Strings(c.orphans)
	var details []string
	for _, p := range c.orphans {
		details = append(details, filepath.Base(p))
	}
	return &CheckResult{
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d identity file(s) bound to dead panes", len(c.orphans)),
		Details: details,
	}
}

func (c *OrphanIdentityCheck) Fix(ctx *CheckContext) error {
	for _, p := range c.orphans {
		if err := os.Rename(p, p+".stale"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archiving %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// --- DeadPIDCheck ---

// DeadPIDCheck finds pids/*.agent-name fast-lookup files left behind after
// their pane died without ReleasePane removing them (e.g. ReleasePane
// failed partway, or the agent-name file was written but the pane crashed
// before the matching identity file landed).
type DeadPIDCheck struct {
	BaseCheck
	dead []string
}

func NewDeadPIDCheck() *DeadPIDCheck {
	return &DeadPIDCheck{BaseCheck: BaseCheck{CheckName: "dead-pid"}}
}

func (c *DeadPIDCheck) CanFix() bool { return true }

func (c *DeadPIDCheck) Run(ctx *CheckContext) *CheckResult {
	c.dead = nil

	entries, err := os.ReadDir(pidsDir(ctx.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return &CheckResult{Status: StatusOK, Message: "no pids directory"}
		}
		return &CheckResult{Status: StatusError, Message: err.Error()}
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".agent-name" {
			continue
		}
		safe := strings.TrimSuffix(e.Name(), ".agent-name")
		if ctx.LivePanes[safe] {
			continue
		}
		// The safe-pane id is a sanitized form of the real pane id, so a
		// direct liveness hit is the common case; fall back to checking
		// whether any identity file with this safe name still exists and
		// is live before declaring it dead.
		identity := filepath.Join(panesDir(ctx.Root), safe+".identity")
		if b, err := readPaneBinding(identity); err == nil && ctx.LivePanes[b.PaneID] {
			continue
		}
		c.dead = append(c.dead, filepath.Join(pidsDir(ctx.Root), e.Name()))
	}

	if len(c.dead) == 0 {
		return &CheckResult{Status: StatusOK, Message: "no dead-pane pid files"}
	}
	sort.Strings(c.dead)
	var details []string
	for _, p := range c.dead {
		details = append(details, filepath.Base(p))
	}
	return &CheckResult{
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d pid lookup file(s) referencing dead panes", len(c.dead)),
		Details: details,
	}
}

func (c *DeadPIDCheck) Fix(ctx *CheckContext) error {
	for _, p := range c.dead {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// --- DuplicatePendingCheck ---

type pendingEntry struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	Repo      string `json:"repo"`
	Path      string `json:"path"`
	Requester string `json:"requester"`
	Reason    string `json:"reason"`
}

// DuplicatePendingCheck scans .beads/reserve-pending/*.pending for entries
// sharing a (key, requester) pair within the same file: the Reservation
// Client dedupes on write, so duplicates only appear after a crash
// mid-write or a hand-edited file, and would otherwise cause the same
// requester to be notified more than once when the held path is released.
type DuplicatePendingCheck struct {
	BaseCheck
	deduped map[string][]pendingEntry
	dirty   map[string]bool
}

func NewDuplicatePendingCheck() *DuplicatePendingCheck {
	return &DuplicatePendingCheck{BaseCheck: BaseCheck{CheckName: "duplicate-pending-requester"}}
}

func (c *DuplicatePendingCheck) CanFix() bool { return true }

func (c *DuplicatePendingCheck) pendingFilePath(root, key string) string {
	return filepath.Join(reservePendingDir(root), key+".pending")
}

func (c *DuplicatePendingCheck) Run(ctx *CheckContext) *CheckResult {
	c.deduped = make(map[string][]pendingEntry)
	c.dirty = make(map[string]bool)

	files, err := os.ReadDir(reservePendingDir(ctx.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return &CheckResult{Status: StatusOK, Message: "no reserve-pending store"}
		}
		return &CheckResult{Status: StatusError, Message: err.Error()}
	}

	var dupes []string
	total := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".pending") {
			continue
		}
		key := strings.TrimSuffix(f.Name(), ".pending")
		data, err := os.ReadFile(c.pendingFilePath(ctx.Root, key))
		if err != nil {
			return &CheckResult{Status: StatusError, Message: err.Error()}
		}
		var entries []pendingEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return &CheckResult{Status: StatusError, Message: "corrupt " + f.Name() + ": " + err.Error()}
		}
		total += len(entries)

		seen := make(map[string]bool, len(entries))
		var kept []pendingEntry
		for _, e := range entries {
			if seen[e.Requester] {
				dupes = append(dupes, key+"/"+e.Requester)
				c.dirty[key] = true
				continue
			}
			seen[e.Requester] = true
			kept = append(kept, e)
		}
		c.deduped[key] = kept
	}

	if len(dupes) == 0 {
		return &CheckResult{Status: StatusOK, Message: fmt.Sprintf("%d pending entries, no duplicates", total)}
	}
	sort.Strings(dupes)
	return &CheckResult{
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d duplicate pending-requester entry(s)", len(dupes)),
		Details: dupes,
	}
}

func (c *DuplicatePendingCheck) Fix(ctx *CheckContext) error {
	for key, dirty := range c.dirty {
		if !dirty {
			continue
		}
		if err := util.AtomicWriteJSON(c.pendingFilePath(ctx.Root, key), c.deduped[key]); err != nil {
			return err
		}
	}
	return nil
}

// --- StaleBindingCheck ---

// StaleBindingCheck finds identity bindings (live or archived) whose
// AgentName no longer has an Active AgentInstance record: the instance
// was unregistered (or never registered) but the binding files remain,
// so a future BindPane for the same name won't see the conflict a live
// pane would otherwise produce.
type StaleBindingCheck struct {
	BaseCheck
	stale []string
}

func NewStaleBindingCheck() *StaleBindingCheck {
	return &StaleBindingCheck{BaseCheck: BaseCheck{CheckName: "stale-binding"}}
}

func (c *StaleBindingCheck) CanFix() bool { return true }

func (c *StaleBindingCheck) Run(ctx *CheckContext) *CheckResult {
	c.stale = nil

	entries, err := os.ReadDir(panesDir(ctx.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return &CheckResult{Status: StatusOK, Message: "no panes directory"}
		}
		return &CheckResult{Status: StatusError, Message: err.Error()}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".identity") && !strings.HasSuffix(name, ".identity.stale") {
			continue
		}
		path := filepath.Join(panesDir(ctx.Root), name)
		b, err := readPaneBinding(path)
		if err != nil {
			continue
		}
		if b.AgentName != "" && !ctx.ActiveName[b.AgentName] {
			c.stale = append(c.stale, path)
		}
	}

	if len(c.stale) == 0 {
		return &CheckResult{Status: StatusOK, Message: "no stale bindings"}
	}
	sort.Strings(c.stale)
	var details []string
	for _, p := range c.stale {
		details = append(details, filepath.Base(p))
	}
	return &CheckResult{
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d binding(s) reference unregistered agents", len(c.stale)),
		Details: details,
	}
}

func (c *StaleBindingCheck) Fix(ctx *CheckContext) error {
	for _, p := range c.stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// AllChecks returns every registered check, in a stable order.
func AllChecks() []Check {
	return []Check{
		NewOrphanIdentityCheck(),
		NewDeadPIDCheck(),
		NewDuplicatePendingCheck(),
		NewStaleBindingCheck(),
	}
}
