// Package tmux is the fleet's multiplexer client. It wraps the tmux CLI to
// list and manage sessions/panes, inject keys into a pane, and store the
// per-pane options (@agent_name, @llm_name) the rest of the control plane
// uses to bind a pane to a registered agent identity (spec section 6,
// "Multiplexer").
package tmux

import (
	"bytes"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors surfaced by wrapError and the nudge protocol.
var (
	ErrNoServer         = errors.New("tmux: no server running")
	ErrSessionExists    = errors.New("tmux: session already exists")
	ErrSessionNotFound  = errors.New("tmux: session not found")
	ErrPaneInMode       = errors.New("tmux: pane is in copy/blocking mode")
	ErrPastePlaceholder = errors.New("tmux: pane shows an in-flight paste placeholder")
	ErrNudgeNotFound    = errors.New("tmux: nudge text did not appear in pane")
	ErrMaxRetries       = errors.New("tmux: nudge delivery exhausted its retries")
)

// Tmux is a thin client over the tmux binary. The zero value is usable.
type Tmux struct {
	// Bin overrides the tmux executable path; defaults to "tmux" on PATH.
	Bin string
}

// NewTmux returns a client that shells out to the tmux binary on PATH.
func NewTmux() *Tmux {
	return &Tmux{Bin: "tmux"}
}

func (t *Tmux) bin() string {
	if t.Bin != "" {
		return t.Bin
	}
	return "tmux"
}

// run executes a tmux subcommand and returns stdout, raw error, and stderr text.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command(t.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), t.wrapError(err, stderr.String(), args)
	}
	return stdout.String(), nil
}

// wrapError classifies a tmux failure by scanning its stderr text for the
// handful of phrasings tmux is known to emit, so callers can switch on a
// sentinel instead of matching strings themselves.
func (t *Tmux) wrapError(_ error, stderr string, _ []string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "no server running"), strings.Contains(s, "error connecting to"):
		return ErrNoServer
	case strings.Contains(s, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(s, "session not found"), strings.Contains(s, "can't find session"):
		return ErrSessionNotFound
	default:
		return errors.New(strings.TrimSpace(stderr))
	}
}

// ListSessions returns the names of all live tmux sessions. A "no server
// running" error is treated as an empty list, not a failure.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// HasSession reports whether a session by that name currently exists.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return false, nil
	}
	return false, err
}

// NewSession creates a detached session, optionally starting in startDir.
func (t *Tmux) NewSession(name, startDir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if startDir != "" {
		args = append(args, "-c", startDir)
	}
	_, err := t.run(args...)
	return err
}

// KillSession destroys a session. Killing an absent session is a no-op.
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// EnsureSessionFresh makes sure `name` exists and is not a leftover shell
// with no agent process running in it (a "zombie"). A zombie is killed and
// recreated; a healthy or absent session is left alone / created.
func (t *Tmux) EnsureSessionFresh(name, startDir string) error {
	exists, err := t.HasSession(name)
	if err != nil {
		return err
	}
	if exists {
		if t.IsAgentRunning(name) {
			return nil
		}
		if err := t.KillSession(name); err != nil {
			return err
		}
	}
	// Killing the last session shuts the tmux server down; a new-session
	// issued while that server is still exiting fails, so retry briefly.
	err = t.NewSession(name, startDir)
	for i := 0; i < 5 && err != nil && strings.Contains(err.Error(), "server exited unexpectedly"); i++ {
		time.Sleep(50 * time.Millisecond)
		err = t.NewSession(name, startDir)
	}
	return err
}

// SendKeys sends a command line to a pane followed by Enter.
func (t *Tmux) SendKeys(session, command string) error {
	_, err := t.run("send-keys", "-t", session, command, "Enter")
	return err
}

// SendKeysRaw sends a raw tmux key name (e.g. "C-c", "Enter", "Escape")
// without treating it as literal text.
func (t *Tmux) SendKeysRaw(session, key string) error {
	_, err := t.run("send-keys", "-t", session, key)
	return err
}

// SendKeysLiteral types text into a pane without a trailing Enter, using
// tmux's -l (literal) flag so shell/readline bindings in the text are not
// interpreted as key names.
func (t *Tmux) SendKeysLiteral(session, text string) error {
	_, err := t.run("send-keys", "-t", session, "-l", text)
	return err
}

// CapturePane returns the last n lines of a pane's visible + scrollback buffer.
func (t *Tmux) CapturePane(session string, n int) (string, error) {
	return t.run("capture-pane", "-t", session, "-p", "-S", "-"+strconv.Itoa(n))
}

// CapturePaneAll returns the full scrollback of a pane.
func (t *Tmux) CapturePaneAll(session string) (string, error) {
	return t.run("capture-pane", "-t", session, "-p", "-S", "-")
}

// SessionInfo summarizes one session for status/health reporting.
type SessionInfo struct {
	Name    string
	Windows int
}

// GetSessionInfo returns basic metadata about a session.
func (t *Tmux) GetSessionInfo(name string) (SessionInfo, error) {
	out, err := t.run("display-message", "-t", name, "-p", "#{session_name} #{session_windows}")
	if err != nil {
		return SessionInfo{}, err
	}
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return SessionInfo{Name: name}, nil
	}
	windows, _ := strconv.Atoi(fields[len(fields)-1])
	return SessionInfo{Name: strings.Join(fields[:len(fields)-1], " "), Windows: windows}, nil
}

// GetPaneCommand returns the current foreground command name running in the
// session's active pane (e.g. "bash", "node", an agent CLI binary name).
func (t *Tmux) GetPaneCommand(session string) (string, error) {
	out, err := t.run("display-message", "-t", session, "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// agentCommandNames lists the process names the fleet recognizes as "an
// agent CLI is running here" rather than a bare shell. Operators extend this
// via SetAgentCommandNames for CLIs the base set doesn't know about.
var agentCommandNames = []string{"node", "python", "python3"}

// SetAgentCommandNames overrides the set of process names IsAgentRunning
// treats as a live agent (as opposed to an idle shell).
func SetAgentCommandNames(names []string) {
	agentCommandNames = append([]string(nil), names...)
}

// IsAgentRunning reports whether the session's active pane is currently
// running an agent CLI process rather than sitting at a bare shell prompt.
func (t *Tmux) IsAgentRunning(session string) bool {
	cmd, err := t.GetPaneCommand(session)
	if err != nil || cmd == "" {
		return false
	}
	for _, name := range agentCommandNames {
		if cmd == name {
			return true
		}
	}
	return false
}

// IsPaneInMode reports whether the pane is in tmux copy-mode (or another
// blocking mode) where key injection would be swallowed by the pager rather
// than reaching the foreground process.
func (t *Tmux) IsPaneInMode(session string) bool {
	out, err := t.run("display-message", "-t", session, "-p", "#{pane_in_mode}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "1"
}

// WakePaneIfDetached nudges tmux to refresh a detached client's view of the
// pane after we've injected text, so an attaching operator sees it promptly.
func (t *Tmux) WakePaneIfDetached(session string) {
	_, _ = t.run("refresh-client", "-t", session)
}

// SetPaneOption stores a tmux user option (e.g. "@agent_name", "@llm_name")
// scoped to the session, per spec section 6's pane option storage contract.
func (t *Tmux) SetPaneOption(session, key, value string) error {
	_, err := t.run("set-option", "-t", session, key, value)
	return err
}

// GetPaneOption reads back a previously-set pane option.
func (t *Tmux) GetPaneOption(session, key string) (string, error) {
	out, err := t.run("show-options", "-t", session, "-v", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SplitPane splits the target session's window, returning the new pane id.
func (t *Tmux) SplitPane(session string, vertical bool, startDir string) (string, error) {
	args := []string{"split-window", "-t", session, "-P", "-F", "#{pane_id}"}
	if vertical {
		args = append(args, "-v")
	} else {
		args = append(args, "-h")
	}
	if startDir != "" {
		args = append(args, "-c", startDir)
	}
	out, err := t.run(args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListPanes returns {pane_id, current_path, current_command} for every pane
// in the session, the minimum fields the Identity & Registry liveness check
// (spec 4.A) needs to cross-reference against recorded pane bindings.
type PaneInfo struct {
	ID      string
	Path    string
	Command string
}

func (t *Tmux) ListPanes(session string) ([]PaneInfo, error) {
	out, err := t.run("list-panes", "-t", session, "-F", "#{pane_id}\t#{pane_current_path}\t#{pane_current_command}")
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	var panes []PaneInfo
	for _, line := range splitNonEmpty(out) {
		parts := strings.SplitN(line, "\t", 3)
		p := PaneInfo{ID: parts[0]}
		if len(parts) > 1 {
			p.Path = parts[1]
		}
		if len(parts) > 2 {
			p.Command = parts[2]
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// ActivePaneIDs lists every pane id currently live on the server, across
// all sessions. It satisfies the registry package's Multiplexer interface,
// which uses it to determine whether a recorded PaneBinding still points
// at a live pane.
func (t *Tmux) ActivePaneIDs() ([]string, error) {
	out, err := t.run("list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// KillPane kills a single pane by id.
func (t *Tmux) KillPane(paneID string) error {
	_, err := t.run("kill-pane", "-t", paneID)
	return err
}

// PanePID returns the PID of the pane's foreground process, used by
// teardown to verify and, if necessary, force-kill an agent's process
// group after a plain KillPane.
func (t *Tmux) PanePID(session string) (string, error) {
	out, err := t.run("display-message", "-t", session, "-p", "#{pane_pid}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// VerifyPanePID guards against PID reuse (spec's "PID guards" policy):
// before acting on a recorded PID, it confirms the process is still the
// parent of (or equal to) the pane's live foreground PID rather than some
// unrelated process that was later assigned the same number.
func VerifyPanePID(recordedPID, livePanePID string) bool {
	if recordedPID == "" || livePanePID == "" {
		return false
	}
	if recordedPID == livePanePID {
		return true
	}
	return getParentPID(livePanePID) == recordedPID
}

// KillPaneProcessGroup force-terminates the process group rooted at pid,
// used by teardown when a plain KillPane leaves orphaned children behind
// (an agent CLI that spawned its own subprocesses survives pane death).
// It is a no-op if pid can't be resolved to a process group.
func KillPaneProcessGroup(pid string) {
	if pid == "" {
		return
	}
	pgid := getProcessGroupID(pid)
	if pgid == "" {
		pgid = pid
	}
	n, err := strconv.Atoi(pgid)
	if err != nil {
		return
	}
	killProcessGroup(n)
}

// ProcessGroupMembers lists the PIDs sharing pid's process group, used by
// the self-audit/doctor command to report orphaned children a teardown
// left running.
func ProcessGroupMembers(pid string) []string {
	pgid := getProcessGroupID(pid)
	if pgid == "" {
		return nil
	}
	return getProcessGroupMembers(pgid)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
