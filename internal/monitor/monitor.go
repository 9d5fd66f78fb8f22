// Package monitor implements the Queue & Health Monitor: a long-lived
// supervised process that watches queue depth, agent heartbeats, stuck
// tasks, and hung agents, notifying coordinators on threshold transitions.
// Its own pid/last-tick state is kept in SQLite (the pack's modernc.org/
// sqlite idiom, same as the Performance Tracker) so a restarted monitor
// picks up where the last one left off instead of re-alerting from scratch.
package monitor

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/foreman-fleet/foreman/internal/tmux"
	"github.com/foreman-fleet/foreman/internal/util"
	_ "modernc.org/sqlite"
)

// QueueLevels are the depth thresholds a queue level is computed from.
type QueueLevels struct {
	Low      int
	Medium   int
	High     int
	Critical int
}

// Level returns the queue level for depth: the highest threshold met, or
// "normal" if depth is under Low.
func Level(depth int, t QueueLevels) string {
	switch {
	case depth >= t.Critical:
		return "critical"
	case depth >= t.High:
		return "high"
	case depth >= t.Medium:
		return "medium"
	case depth >= t.Low:
		return "low"
	default:
		return "normal"
	}
}

// CoordinatorNotifier is the slice of the Broadcast Router the monitor
// needs to reach the @coordinators group without importing broadcast
// directly (broadcast in turn may want to query monitor state someday).
type CoordinatorNotifier interface {
	NotifyCoordinators(subject, body string) error
}

// Monitor is the Queue & Health Monitor component, rooted at a project
// directory.
type Monitor struct {
	root      string
	bs        beadstore.Client
	log       *events.Log
	reg       *registry.Registry
	tm        *tmux.Tmux
	notifier  CoordinatorNotifier
	db        *sql.DB
	levels    QueueLevels
	stuckTh   time.Duration
	hungTh    time.Duration
	healthInt time.Duration
	nudgeTh   time.Duration
}

// Open creates a Monitor backed by a durable state database at dbPath.
func Open(root string, bs beadstore.Client, log *events.Log, reg *registry.Registry, tm *tmux.Tmux, notifier CoordinatorNotifier, dbPath string, levels QueueLevels, stuckTh, hungTh, healthInt, nudgeTh time.Duration) (*Monitor, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open monitor state db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS monitor_state (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS nudges (agent TEXT PRIMARY KEY, last_nudge INTEGER NOT NULL);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate monitor state db: %w", err)
	}

	return &Monitor{
		root: root, bs: bs, log: log, reg: reg, tm: tm, notifier: notifier, db: db,
		levels: levels, stuckTh: stuckTh, hungTh: hungTh, healthInt: healthInt, nudgeTh: nudgeTh,
	}, nil
}

func (m *Monitor) Close() error { return m.db.Close() }

// StartupLock acquires the short-lived lock directory that keeps two
// monitor controllers from starting against the same pane at once. The
// caller releases it once the monitor loop is confirmed running.
func StartupLock(root, pane string) *util.FileLock {
	return util.NewFileLock(filepath.Join(root, "pids", "monitor-"+pane+".startup.lock"))
}

func (m *Monitor) setState(key, value string) error {
	_, err := m.db.Exec(`INSERT INTO monitor_state(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (m *Monitor) getState(key string) (string, bool) {
	var v string
	err := m.db.QueryRow(`SELECT value FROM monitor_state WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", false
	}
	return v, true
}

// RecordHeartbeat persists this process's pid and the time of its most
// recent tick, the durable state the spec requires for restart safety.
func (m *Monitor) RecordHeartbeat(now time.Time) error {
	if err := m.setState("pid", fmt.Sprintf("%d", os.Getpid())); err != nil {
		return err
	}
	return m.setState("last_tick", now.UTC().Format(time.RFC3339))
}

// LastTick returns the last recorded tick time, or zero if the monitor has
// never run.
func (m *Monitor) LastTick() (time.Time, bool) {
	s, ok := m.getState("last_tick")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// PID returns the pid recorded by the last RecordHeartbeat call.
func (m *Monitor) PID() (int, bool) {
	s, ok := m.getState("pid")
	if !ok {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(s, "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// QueueLevel returns the most recently recorded queue level, defaulting to
// "normal" if the monitor has never ticked.
func (m *Monitor) QueueLevel() string {
	level, ok := m.getState("queue_level")
	if !ok {
		return "normal"
	}
	return level
}

// Snapshot is a point-in-time view of monitor state for status reporting
// and the attach TUI.
type Snapshot struct {
	Depth       int
	Level       string
	LastTick    time.Time
	HasLastTick bool
	PID         int
	HasPID      bool
	Active      []string
}

// Status gathers a Snapshot without performing a tick: current ready-queue
// depth, the last recorded level, heartbeat state, and active agent names.
func (m *Monitor) Status() (Snapshot, error) {
	ready, err := m.bs.Ready()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Depth: len(ready), Level: m.QueueLevel()}
	snap.LastTick, snap.HasLastTick = m.LastTick()
	snap.PID, snap.HasPID = m.PID()

	active, err := m.reg.Active()
	if err != nil {
		return snap, err
	}
	for _, a := range active {
		snap.Active = append(snap.Active, a.Name)
	}
	return snap, nil
}

// TickReport summarizes one monitor pass.
type TickReport struct {
	Depth      int
	Level      string
	PrevLevel  string
	StuckTasks []string
	HungAgents []string
	Nudged     []string
}

// Tick runs one pass: queue-level transition, heartbeat refresh, and, if
// due, the health checks (stuck tasks, hung agents, idle nudges).
func (m *Monitor) Tick(now time.Time, runHealthChecks bool) (TickReport, error) {
	ready, err := m.bs.Ready()
	if err != nil {
		return TickReport{}, err
	}
	depth := len(ready)
	level := Level(depth, m.levels)
	prevLevel, ok := m.getState("queue_level")
	if !ok {
		prevLevel = "normal"
	}

	report := TickReport{Depth: depth, Level: level, PrevLevel: prevLevel}

	if prevLevel == "normal" && level != "normal" {
		_ = m.log.Append(events.Event{Event: events.ThresholdBreach, Payload: events.ThresholdBreachPayload(level, depth)})
		m.notifyCoordinators("queue threshold breach", fmt.Sprintf("Queue depth %d crossed into level %q.", depth, level))
		_ = util.AtomicWriteFile(m.queueAlertPath(), []byte(fmt.Sprintf("%s|%d", level, depth)), 0644)
	} else if prevLevel != "normal" && level == "normal" {
		_ = m.log.Append(events.Event{Event: events.Recovered, Payload: events.RecoveredPayload(level, depth)})
		_ = m.clearQueueAlertFlag()
	}
	if err := m.setState("queue_level", level); err != nil {
		return report, err
	}

	if err := m.updateHeartbeats(now); err != nil {
		return report, err
	}

	if runHealthChecks {
		stuck, err := m.checkStuckTasks(now)
		if err != nil {
			return report, err
		}
		report.StuckTasks = stuck

		hung, err := m.checkHungAgents(now)
		if err != nil {
			return report, err
		}
		report.HungAgents = hung

		nudged, err := m.nudgeIdleAgents(now, ready)
		if err != nil {
			return report, err
		}
		report.Nudged = nudged
	}

	return m.recordAndReturn(report, now)
}

func (m *Monitor) recordAndReturn(report TickReport, now time.Time) (TickReport, error) {
	if err := m.RecordHeartbeat(now); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Monitor) notifyCoordinators(subject, body string) {
	if m.notifier == nil {
		return
	}
	_ = m.notifier.NotifyCoordinators(subject, body)
}

func (m *Monitor) updateHeartbeats(now time.Time) error {
	active, err := m.reg.Active()
	if err != nil {
		return err
	}
	for _, a := range active {
		if err := m.log.Append(events.Event{Agent: a.Name, Event: events.Heartbeat, Timestamp: now}); err != nil {
			return err
		}
	}
	return nil
}

// checkStuckTasks flags in-progress tasks whose Updated timestamp is older
// than stuckTh, notifies coordinators, and writes the health-alert flag
// file external tooling polls for auto-restart.
func (m *Monitor) checkStuckTasks(now time.Time) ([]string, error) {
	inProgress, err := m.bs.List(beadstore.InProgress)
	if err != nil {
		return nil, err
	}

	var stuck []string
	for _, t := range inProgress {
		updated, err := time.Parse(time.RFC3339, t.Updated)
		if err != nil {
			continue
		}
		if now.Sub(updated) > m.stuckTh {
			stuck = append(stuck, t.ID)
		}
	}

	if len(stuck) == 0 {
		return nil, nil
	}

	_ = m.log.Append(events.Event{Event: events.StuckTasks, Payload: events.StuckTasksPayload(stuck)})
	m.notifyCoordinators("[agent-health] stuck tasks", fmt.Sprintf("%d task(s) stuck past %s: %v", len(stuck), m.stuckTh, stuck))
	_ = m.writeHealthAlertFlag("stuck_tasks", stuck[0])

	return stuck, nil
}

// checkHungAgents flags active agents with no logged heartbeat within
// hungTh.
func (m *Monitor) checkHungAgents(now time.Time) ([]string, error) {
	active, err := m.reg.Active()
	if err != nil {
		return nil, err
	}
	allEvents, err := m.log.ReadAll()
	if err != nil {
		return nil, err
	}

	var hung []string
	for _, a := range active {
		last, found := events.LastActivity(allEvents, a.Name)
		if !found || now.Sub(last) > m.hungTh {
			hung = append(hung, a.Name)
		}
	}

	if len(hung) == 0 {
		return nil, nil
	}

	_ = m.log.Append(events.Event{Event: events.HungAgents, Payload: events.HungAgentsPayload(hung)})
	m.notifyCoordinators("[agent-health] hung agents", fmt.Sprintf("%d agent(s) silent past %s: %v", len(hung), m.hungTh, hung))

	return hung, nil
}

// nudgeIdleAgents sends a one-off pane nudge to any active agent with no
// in-progress task binding, while ready work exists, respecting a per-agent
// cooldown so the same agent isn't nudged more than once an hour.
func (m *Monitor) nudgeIdleAgents(now time.Time, ready []beadstore.Task) ([]string, error) {
	if len(ready) == 0 {
		return nil, nil
	}

	inProgress, err := m.bs.List(beadstore.InProgress)
	if err != nil {
		return nil, err
	}
	bound := make(map[string]bool, len(inProgress))
	for _, t := range inProgress {
		if t.Owner != "" {
			bound[t.Owner] = true
		}
	}

	active, err := m.reg.Active()
	if err != nil {
		return nil, err
	}

	var nudged []string
	for _, a := range active {
		if bound[a.Name] {
			continue
		}
		if !m.cooldownElapsed(a.Name, now) {
			continue
		}
		paneID, ok := m.reg.LivePaneFor(a.Name)
		if !ok {
			continue
		}
		msg := fmt.Sprintf("[nudge] %d ready task(s) waiting, no active claim.", len(ready))
		if err := m.tm.NudgeReliable(paneID, msg); err != nil {
			continue
		}
		if err := m.recordNudge(a.Name, now); err != nil {
			continue
		}
		nudged = append(nudged, a.Name)
		_ = m.log.Append(events.Event{Agent: a.Name, Event: events.NotificationSent,
			Payload: events.NotificationSentPayload("tmux", a.Name)})
	}

	return nudged, nil
}

func (m *Monitor) cooldownElapsed(agent string, now time.Time) bool {
	var lastUnix int64
	err := m.db.QueryRow(`SELECT last_nudge FROM nudges WHERE agent = ?`, agent).Scan(&lastUnix)
	if err != nil {
		return true
	}
	return now.Sub(time.Unix(lastUnix, 0)) >= m.nudgeTh
}

func (m *Monitor) recordNudge(agent string, now time.Time) error {
	_, err := m.db.Exec(`INSERT INTO nudges(agent, last_nudge) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET last_nudge = excluded.last_nudge`, agent, now.Unix())
	return err
}

func (m *Monitor) healthAlertPath() string {
	return filepath.Join(m.root, ".beads", "agent-health-alert.flag")
}

func (m *Monitor) queueAlertPath() string {
	return filepath.Join(m.root, ".beads", "queue-alert.flag")
}

// clearQueueAlertFlag removes the queue-level alert flag on recovery to
// normal.
func (m *Monitor) clearQueueAlertFlag() error {
	err := os.Remove(m.queueAlertPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *Monitor) writeHealthAlertFlag(kind, detail string) error {
	if err := os.MkdirAll(filepath.Dir(m.healthAlertPath()), 0755); err != nil {
		return err
	}
	return util.AtomicWriteFile(m.healthAlertPath(), []byte(kind+"|"+detail), 0644)
}

// ClearHealthAlertFlag removes the alert flag file, called once recovery
// is externally confirmed.
func (m *Monitor) ClearHealthAlertFlag() error {
	err := os.Remove(m.healthAlertPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
