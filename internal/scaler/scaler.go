// Package scaler implements the Auto-Scaler: driven by the Queue Analyzer's
// composition and the Performance Tracker's lifecycle feedback, it decides
// when to spawn new agents or tear down idle ones, and drives the
// Spawner/Teardown component to do so.
package scaler

import (
	"strconv"
	"strings"
	"time"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/queue"
)

// Spawner is the slice of the Spawner/Teardown component the scale-up path
// needs: spawn count agents of typ into session, returning the names that
// actually came up (a partial spawn is not an error, per spec 4.G's
// per-step failure tolerance).
type Spawner interface {
	Spawn(session, typ string, count int, startDir string) ([]string, error)
}

// Teardown is the slice of the Spawner/Teardown component the check-idle
// path needs.
type Teardown interface {
	TeardownAgent(name string) error
}

// ActiveAgent is the minimal view of a registered agent the idle check
// needs: its name and when it last did anything.
type ActiveAgent struct {
	Name         string
	LastActivity time.Time
	HasActivity  bool
}

// Tick carries the parameters a single pass of the Auto-Scaler's periodic
// loop needs. Tick does not own a timer; callers (the CLI's "auto" verb or
// a long-lived daemon) drive it at CHECK_INTERVAL.
type Tick struct {
	Thresholds  queue.Thresholds
	IdleTimeout time.Duration
	Session     string
	StartDir    string
	Now         time.Time
}

// Decision is what a single tick decided to do, returned so the caller can
// log/print a summary without the scaler needing its own logger.
type Decision struct {
	Composition  queue.Composition
	Spawned      []string
	SpawnErrors  []string
	TornDown     []string
	TeardownErrs []string
}

// Scaler drives the Auto-Scaler's decisions against a bead store, the
// currently-active agent set, and the Spawner/Teardown component.
type Scaler struct {
	bs  beadstore.Client
	sp  Spawner
	td  Teardown
	log *events.Log
}

func New(bs beadstore.Client, sp Spawner, td Teardown, log *events.Log) *Scaler {
	return &Scaler{bs: bs, sp: sp, td: td, log: log}
}

// Run executes one tick: scale-up bounded by MAX_AGENTS first, then
// check-idle bounded by MIN_AGENTS. Spawn and teardown are each idempotent
// with respect to a given agent name, so a retried tick after a partial
// failure never double-spawns or double-tears-down.
func (s *Scaler) Run(t Tick, active []ActiveAgent, fb queue.LifecycleFeedback) (Decision, error) {
	ready, err := s.bs.Ready()
	if err != nil {
		return Decision{}, err
	}

	comp := queue.Analyze(ready, len(active), t.Thresholds, fb)
	decision := Decision{Composition: comp}

	currentActive := len(active)
	for _, rec := range comp.Recommendations {
		if n, typ, ok := parseScaleUp(rec); ok {
			spawned, errs := s.scaleUp(t, n, typ, currentActive)
			decision.Spawned = append(decision.Spawned, spawned...)
			decision.SpawnErrors = append(decision.SpawnErrors, errs...)
			currentActive += len(spawned)
			continue
		}
		if rec == "check-idle:teardown" {
			torn, errs := s.checkIdle(t, active, currentActive)
			decision.TornDown = append(decision.TornDown, torn...)
			decision.TeardownErrs = append(decision.TeardownErrs, errs...)
			currentActive -= len(torn)
		}
	}

	return decision, nil
}

// scaleUp clamps n to the Auto-Scaler invariant active_agents <= MAX_AGENTS
// before asking the Spawner to create agents.
func (s *Scaler) scaleUp(t Tick, n int, typ string, currentActive int) ([]string, []string) {
	remaining := t.Thresholds.MaxAgents - currentActive
	if remaining <= 0 {
		return nil, []string{"scale-up skipped: already at MAX_AGENTS"}
	}
	if n > remaining {
		n = remaining
	}
	if n <= 0 {
		return nil, nil
	}

	names, err := s.sp.Spawn(t.Session, typ, n, t.StartDir)
	if err != nil {
		return names, []string{err.Error()}
	}
	return names, nil
}

// checkIdle tears down active agents whose last recorded activity is older
// than IdleTimeout, stopping once active_agents would drop to MIN_AGENTS.
// An agent with no activity record at all is treated as idle since
// registration — it has never done anything observable.
func (s *Scaler) checkIdle(t Tick, active []ActiveAgent, currentActive int) ([]string, []string) {
	var torn, errs []string
	minAgents := t.Thresholds.MinAgents

	for _, a := range active {
		if currentActive <= minAgents {
			break
		}
		idle := !a.HasActivity || t.Now.Sub(a.LastActivity) > t.IdleTimeout
		if !idle {
			continue
		}
		if err := s.td.TeardownAgent(a.Name); err != nil {
			errs = append(errs, a.Name+": "+err.Error())
			continue
		}
		torn = append(torn, a.Name)
		currentActive--
	}

	return torn, errs
}

func parseScaleUp(rec string) (int, string, bool) {
	parts := strings.SplitN(rec, ":", 3)
	if len(parts) != 3 || parts[0] != "scale-up" {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	return n, parts[2], true
}
