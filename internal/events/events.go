// Package events implements the fleet's Activity Log: an append-only,
// line-delimited JSON stream that every component writes to and that the
// Queue & Health Monitor reads back to compute last-activity and heartbeat
// ages. Writers are single-line and line-buffered; readers tolerate
// malformed or partial trailing lines by skipping them with a warning
// rather than failing the whole read.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind enumerates the ActivityEvent.event values from the data model.
type Kind string

const (
	Spawn            Kind = "spawn"
	Claim            Kind = "claim"
	Complete         Kind = "complete"
	Idle             Kind = "idle"
	Teardown         Kind = "teardown"
	Heartbeat        Kind = "heartbeat"
	NotificationSent Kind = "notification_sent"
	ThresholdBreach  Kind = "threshold_breach"
	Recovered        Kind = "recovered"
	StuckTasks       Kind = "stuck_tasks"
	HungAgents       Kind = "hung_agents"
)

// Event is one line of the activity log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	Event     Kind           `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log appends events to a single JSONL file. It holds no in-memory cache;
// all state is rebuildable by re-reading the file, per the filesystem-as-
// coordination-medium design.
type Log struct {
	path string
}

// Open returns a Log backed by path, creating parent directories as needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Log{path: path}, nil
}

// Append writes one event as a single JSON line, opening the file in
// append mode so concurrent writers never truncate each other's data.
func (l *Log) Append(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadAll reads every well-formed event in the log, skipping blank or
// malformed lines (including a partial trailing line from a writer that
// was interrupted mid-append).
func (l *Log) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // malformed/partial line, skip
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// LastActivity returns the most recent event timestamp for agent across all
// events (any kind counts as activity, per the idle-timeout contract).
func LastActivity(events []Event, agent string) (time.Time, bool) {
	var last time.Time
	found := false
	for _, e := range events {
		if e.Agent != agent {
			continue
		}
		if !found || e.Timestamp.After(last) {
			last = e.Timestamp
			found = true
		}
	}
	return last, found
}

// --- Payload builders ---
//
// Each returns a map[string]any with optional keys omitted when empty, so
// readers that "treat missing fields as defaults" see a clean payload
// rather than null/empty placeholders.

func SpawnPayload(agent, typeName, paneID string) map[string]any {
	p := map[string]any{"agent": agent, "type": typeName}
	if paneID != "" {
		p["pane_id"] = paneID
	}
	return p
}

func ClaimPayload(taskID string, labels []string) map[string]any {
	p := map[string]any{"task": taskID}
	if len(labels) > 0 {
		p["labels"] = labels
	}
	return p
}

func CompletePayload(taskID string, quality *int) map[string]any {
	p := map[string]any{"task": taskID}
	if quality != nil {
		p["quality"] = *quality
	}
	return p
}

func TeardownPayload(swarm, reason string) map[string]any {
	p := map[string]any{}
	if swarm != "" {
		p["swarm"] = swarm
	}
	if reason != "" {
		p["reason"] = reason
	}
	return p
}

func ThresholdBreachPayload(level string, depth int) map[string]any {
	return map[string]any{"level": level, "depth": depth}
}

func RecoveredPayload(level string, depth int) map[string]any {
	return map[string]any{"level": level, "depth": depth}
}

func StuckTasksPayload(taskIDs []string) map[string]any {
	return map[string]any{"tasks": taskIDs}
}

func HungAgentsPayload(agents []string) map[string]any {
	return map[string]any{"agents": agents}
}

func NotificationSentPayload(channel, recipient string) map[string]any {
	return map[string]any{"channel": channel, "recipient": recipient}
}

// Fmt is a tiny helper so daemons can print the timestamped tick lines the
// error-handling design calls for, without every call site repeating the
// layout.
func Fmt(t time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s", t.UTC().Format(time.RFC3339), msg)
}
