// Package beadstore is the external bead-store client: it shells out to the
// "br" binary the same way the teacher's real bead-store client shells out
// to "bd", parsing --json output into typed Task records. The bead store is
// the authoritative owner of task status/ownership; this client never
// caches state across calls.
package beadstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/util"
)

// Status mirrors the Task entity's status enum.
type Status string

const (
	Open       Status = "open"
	InProgress Status = "in_progress"
	Ready      Status = "ready"
	Blocked    Status = "blocked"
	Closed     Status = "closed"
)

// Task is the control plane's view of a bead.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Labels       []string `json:"labels"`
	Status       Status   `json:"status"`
	Owner        string   `json:"owner"`
	Updated      string   `json:"updated"`
	Dependencies []string `json:"dependencies"`
}

// Client is the bead store external interface the rest of the control
// plane depends on, so tests can substitute a fake instead of shelling out.
type Client interface {
	List(status Status) ([]Task, error)
	Ready() ([]Task, error)
	Show(id string) (*Task, error)
	Update(id string, status Status, assignee string) error
	Close(id string) error
}

// RealClient shells out to the "br" CLI in workDir.
type RealClient struct {
	WorkDir string
	Retry   util.RetryConfig
}

func New(workDir string) *RealClient {
	return &RealClient{WorkDir: workDir, Retry: util.DefaultRetryConfig()}
}

func (c *RealClient) List(status Status) ([]Task, error) {
	args := []string{"list", "--json"}
	if status != "" {
		args = append(args, "--status="+string(status))
	}
	return c.listTasks(args...)
}

func (c *RealClient) Ready() ([]Task, error) {
	return c.listTasks("ready", "--json")
}

func (c *RealClient) listTasks(args ...string) ([]Task, error) {
	out, err := util.Retry(context.Background(), c.Retry, func() (string, error) {
		return util.ExecWithOutput(c.WorkDir, "br", args...)
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.TransientExternal, "br "+argsJoined(args), err)
	}
	var tasks []Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidInput, "parsing br output", err)
	}
	return tasks, nil
}

func (c *RealClient) Show(id string) (*Task, error) {
	out, err := util.Retry(context.Background(), c.Retry, func() (string, error) {
		return util.ExecWithOutput(c.WorkDir, "br", "show", id, "--json")
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NotFound, fmt.Sprintf("bead %s not found", id), err)
	}
	var t Task
	if err := json.Unmarshal([]byte(out), &t); err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidInput, "parsing br output", err)
	}
	return &t, nil
}

func (c *RealClient) Update(id string, status Status, assignee string) error {
	args := []string{"update", id}
	if status != "" {
		args = append(args, "--status="+string(status))
	}
	if assignee != "" {
		args = append(args, "--assignee="+assignee)
	}
	if err := util.ExecRun(c.WorkDir, "br", args...); err != nil {
		return ferrors.Wrap(ferrors.TransientExternal, "br update", err)
	}
	return nil
}

func (c *RealClient) Close(id string) error {
	if err := util.ExecRun(c.WorkDir, "br", "close", id); err != nil {
		return ferrors.Wrap(ferrors.TransientExternal, "br close", err)
	}
	return nil
}

func argsJoined(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
