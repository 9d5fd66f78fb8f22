// Package perf implements the Performance Tracker: it records task
// durations and quality, persists the completed-history in SQLite so
// HistoryScore can run an indexed query instead of a full log scan (grounded
// on the pack's database/sql + modernc.org/sqlite open idiom), and keeps the
// active-tracking side as an append-only JSONL log per the filesystem-
// coordination design notes.
package perf

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ActiveRecord is one line of the active-tracking JSONL log: a task start
// with no completion recorded yet.
type ActiveRecord struct {
	Agent   string    `json:"agent"`
	TaskID  string    `json:"task_id"`
	Labels  []string  `json:"labels"`
	StartTS time.Time `json:"start_ts"`
}

// CompletedRecord is one row of the completed-history store.
type CompletedRecord struct {
	Agent      string
	TaskID     string
	Labels     []string
	StartTS    time.Time
	CompleteTS time.Time
	Duration   time.Duration
	Quality    *int // [0,100], nil if not reported
}

// Tracker is the Performance Tracker component.
type Tracker struct {
	activeLogPath string
	db            *sql.DB
}

// Open opens (creating if needed) the active-tracking JSONL log at
// activeLogPath and the completed-history SQLite database at dbPath.
func Open(activeLogPath, dbPath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(activeLogPath), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	dsn := dbPath + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open performance db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS completions (
	agent       TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	labels      TEXT NOT NULL DEFAULT '',
	start_ts    INTEGER NOT NULL,
	complete_ts INTEGER NOT NULL,
	duration_s  INTEGER NOT NULL,
	quality     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_completions_agent ON completions(agent);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate performance db: %w", err)
	}

	return &Tracker{activeLogPath: activeLogPath, db: db}, nil
}

func (t *Tracker) Close() error { return t.db.Close() }

// Start appends an ActiveRecord marking (agent, taskID) as in progress.
func (t *Tracker) Start(agent, taskID string, labels []string) error {
	rec := ActiveRecord{Agent: agent, TaskID: taskID, Labels: labels, StartTS: time.Now().UTC()}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(t.activeLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// CompleteResult is returned by Complete: whether a matching start was found.
type CompleteResult struct {
	MatchedStart bool
}

// Complete records a completion. If no matching Start is found in the
// active log, it records only the completion timestamp (start_ts is left
// zero) and reports MatchedStart=false so the caller can emit the spec's
// "completion without start" warning event.
func (t *Tracker) Complete(agent, taskID string, quality *int) (CompleteResult, error) {
	start, labels, found, err := t.findActiveStart(agent, taskID)
	if err != nil {
		return CompleteResult{}, err
	}

	now := time.Now().UTC()
	var duration time.Duration
	var startUnix int64
	if found {
		duration = now.Sub(start)
		startUnix = start.Unix()
	}

	labelStr, err := json.Marshal(labels)
	if err != nil {
		return CompleteResult{}, err
	}

	var q sql.NullInt64
	if quality != nil {
		q = sql.NullInt64{Int64: int64(*quality), Valid: true}
	}

	_, err = t.db.Exec(
		`INSERT INTO completions (agent, task_id, labels, start_ts, complete_ts, duration_s, quality)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent, taskID, string(labelStr), startUnix, now.Unix(), int64(duration.Seconds()), q,
	)
	if err != nil {
		return CompleteResult{}, err
	}

	return CompleteResult{MatchedStart: found}, nil
}

// findActiveStart scans the active-tracking log for the most recent Start
// record matching (agent, taskID). The log is append-only and small enough
// that a linear scan on completion is acceptable; nothing prunes completed
// entries from it, mirroring the append-only design notes.
func (t *Tracker) findActiveStart(agent, taskID string) (time.Time, []string, bool, error) {
	data, err := os.ReadFile(t.activeLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil, false, nil
		}
		return time.Time{}, nil, false, err
	}

	var (
		best     ActiveRecord
		foundOne bool
	)
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var rec ActiveRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed/partial line, skip
		}
		if rec.Agent != agent || rec.TaskID != taskID {
			continue
		}
		if !foundOne || rec.StartTS.After(best.StartTS) {
			best, foundOne = rec, true
		}
	}
	if !foundOne {
		return time.Time{}, nil, false, nil
	}
	return best.StartTS, best.Labels, true, nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// HistoryScore derives the Matcher's history_score for (agent, labels):
// averages quality of completed tasks whose labels overlap the query; if
// none overlap, averages over all of the agent's completions; if no
// quality is present anywhere, returns 0.5. Quality q in [0,100] maps to
// 0.1 + 0.9*q/100, clamped to [0.1, 1.0].
func (t *Tracker) HistoryScore(agent string, labels []string) float64 {
	rows, err := t.db.Query(
		`SELECT labels, quality FROM completions WHERE agent = ? AND quality IS NOT NULL`, agent)
	if err != nil {
		return 0.5
	}
	defer rows.Close()

	var overlapSum, overlapN, allSum, allN float64
	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[l] = true
	}

	for rows.Next() {
		var labelsJSON string
		var quality int64
		if err := rows.Scan(&labelsJSON, &quality); err != nil {
			continue
		}
		var rowLabels []string
		_ = json.Unmarshal([]byte(labelsJSON), &rowLabels)

		score := qualityToScore(int(quality))
		allSum += score
		allN++

		if overlaps(rowLabels, labelSet) {
			overlapSum += score
			overlapN++
		}
	}

	switch {
	case overlapN > 0:
		return overlapSum / overlapN
	case allN > 0:
		return allSum / allN
	default:
		return 0.5
	}
}

func overlaps(rowLabels []string, labelSet map[string]bool) bool {
	if len(labelSet) == 0 {
		return false
	}
	for _, l := range rowLabels {
		if labelSet[l] {
			return true
		}
	}
	return false
}

func qualityToScore(q int) float64 {
	score := 0.1 + 0.9*float64(q)/100.0
	if score < 0.1 {
		score = 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// InProgressCount returns how many active-tracking starts for agent have no
// matching completion yet, used by the Matcher's WorkloadFactor.
func (t *Tracker) InProgressCount(agent string) (int, error) {
	data, err := os.ReadFile(t.activeLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	starts := map[string]bool{}
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var rec ActiveRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Agent == agent {
			starts[rec.TaskID] = true
		}
	}

	rows, err := t.db.Query(`SELECT task_id FROM completions WHERE agent = ?`, agent)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err == nil {
			delete(starts, taskID)
		}
	}

	return len(starts), nil
}

// CompletionRate and SuccessRate feed the Queue Analyzer's lifecycle
// feedback: CompletionRate is completed/(completed+stillActive) over the
// agent's own history, SuccessRate is the fraction of completions with
// quality >= 50. Both return -1 when there's no data to judge by.
func (t *Tracker) CompletionRate(agent string) float64 {
	inProgress, err := t.InProgressCount(agent)
	if err != nil {
		return -1
	}
	var completed int
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM completions WHERE agent = ?`, agent).Scan(&completed); err != nil {
		return -1
	}
	total := completed + inProgress
	if total == 0 {
		return -1
	}
	return float64(completed) / float64(total)
}

func (t *Tracker) SuccessRate(agent string) float64 {
	var total, good int
	row := t.db.QueryRow(`SELECT COUNT(*), COUNT(CASE WHEN quality >= 50 THEN 1 END) FROM completions WHERE agent = ? AND quality IS NOT NULL`, agent)
	if err := row.Scan(&total, &good); err != nil || total == 0 {
		return -1
	}
	return float64(good) / float64(total)
}
