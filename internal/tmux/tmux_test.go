package tmux

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

func TestListSessionsNoServer(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessions, err := tm.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	_ = sessions
}

func TestHasSessionNoServer(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	has, err := tm.HasSession("nonexistent-session-xyz")
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if has {
		t.Error("expected session to not exist")
	}
}

func TestSessionLifecycle(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-session-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	has, err := tm.HasSession(sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after creation")
	}

	sessions, err := tm.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s == sessionName {
			found = true
			break
		}
	}
	if !found {
		t.Error("session not found in list")
	}

	if err := tm.KillSession(sessionName); err != nil {
		t.Fatalf("KillSession: %v", err)
	}

	has, err = tm.HasSession(sessionName)
	if err != nil {
		t.Fatalf("HasSession after kill: %v", err)
	}
	if has {
		t.Error("expected session to not exist after kill")
	}
}

func TestDuplicateSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-dup-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	err := tm.NewSession(sessionName, "")
	if err != ErrSessionExists {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestSendKeysAndCapture(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-keys-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	if err := tm.SendKeys(sessionName, "echo HELLO_TEST_MARKER"); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}

	output, err := tm.CapturePane(sessionName, 50)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}

	if !strings.Contains(output, "echo HELLO_TEST_MARKER") {
		t.Logf("captured output: %s", output)
	}
}

func TestGetSessionInfo(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-info-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	info, err := tm.GetSessionInfo(sessionName)
	if err != nil {
		t.Fatalf("GetSessionInfo: %v", err)
	}

	if info.Name != sessionName {
		t.Errorf("Name = %q, want %q", info.Name, sessionName)
	}
	if info.Windows < 1 {
		t.Errorf("Windows = %d, want >= 1", info.Windows)
	}
}

func TestWrapError(t *testing.T) {
	tm := NewTmux()

	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-...", ErrNoServer},
		{"error connecting to /tmp/tmux-...", ErrNoServer},
		{"duplicate session: test", ErrSessionExists},
		{"session not found: test", ErrSessionNotFound},
		{"can't find session: test", ErrSessionNotFound},
	}

	for _, tt := range tests {
		err := tm.wrapError(nil, tt.stderr, []string{"test"})
		if err != tt.want {
			t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, err, tt.want)
		}
	}
}

func TestEnsureSessionFresh_NoExistingSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-fresh-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.EnsureSessionFresh(sessionName, ""); err != nil {
		t.Fatalf("EnsureSessionFresh: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	has, err := tm.HasSession(sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after EnsureSessionFresh")
	}
}

func TestEnsureSessionFresh_ZombieSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-zombie-" + t.Name()

	_ = tm.KillSession(sessionName)

	// A freshly-created session runs the default shell, which IsAgentRunning
	// correctly treats as a zombie (no agent CLI process in the pane).
	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	if tm.IsAgentRunning(sessionName) {
		t.Skip("session unexpectedly reports an agent running - can't test zombie case")
	}

	// EnsureSessionFresh should kill the zombie and create a fresh session,
	// not fail with "session already exists".
	if err := tm.EnsureSessionFresh(sessionName, ""); err != nil {
		t.Fatalf("EnsureSessionFresh on zombie: %v", err)
	}

	has, err := tm.HasSession(sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after EnsureSessionFresh on zombie")
	}
}

func TestEnsureSessionFresh_IdempotentOnZombie(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-idem-" + t.Name()

	_ = tm.KillSession(sessionName)

	for i := 0; i < 3; i++ {
		if err := tm.EnsureSessionFresh(sessionName, ""); err != nil {
			t.Fatalf("EnsureSessionFresh attempt %d: %v", i+1, err)
		}
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	has, err := tm.HasSession(sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after multiple EnsureSessionFresh calls")
	}
}

// mockSessionState represents the state of a mock tmux session for testing
// the pure decision logic independent of a real tmux binary.
type mockSessionState struct {
	exists      bool
	agentAlive  bool
	killCalled  bool
	killError   error
	hasError    error
}

type mockTmuxOps struct {
	sessions map[string]*mockSessionState
}

func newMockTmuxOps() *mockTmuxOps {
	return &mockTmuxOps{sessions: make(map[string]*mockSessionState)}
}

func (m *mockTmuxOps) addSession(name string, agentAlive bool) {
	m.sessions[name] = &mockSessionState{exists: true, agentAlive: agentAlive}
}

func (m *mockTmuxOps) setHasError(name string, err error) {
	if s, ok := m.sessions[name]; ok {
		s.hasError = err
	} else {
		m.sessions[name] = &mockSessionState{hasError: err}
	}
}

func (m *mockTmuxOps) setKillError(name string, err error) {
	if s, ok := m.sessions[name]; ok {
		s.killError = err
	}
}

func (m *mockTmuxOps) hasSession(name string) (bool, error) {
	s, ok := m.sessions[name]
	if !ok {
		return false, nil
	}
	if s.hasError != nil {
		return false, s.hasError
	}
	return s.exists, nil
}

func (m *mockTmuxOps) isAgentRunning(name string) bool {
	s, ok := m.sessions[name]
	if !ok {
		return false
	}
	return s.agentAlive
}

func (m *mockTmuxOps) killSession(name string) error {
	s, ok := m.sessions[name]
	if !ok {
		return nil
	}
	s.killCalled = true
	if s.killError != nil {
		return s.killError
	}
	s.exists = false
	return nil
}

func (m *mockTmuxOps) wasKillCalled(name string) bool {
	s, ok := m.sessions[name]
	return ok && s.killCalled
}

// ensureSessionClearWithOps is the testable core logic of EnsureSessionFresh,
// parameterized over its dependencies so the decision table can be checked
// without a real tmux server.
func ensureSessionClearWithOps(
	name string,
	hasSession func(string) (bool, error),
	isAgentRunning func(string) bool,
	killSession func(string) error,
) (healthy, zombieKilled bool, err error) {
	exists, err := hasSession(name)
	if err != nil {
		return false, false, err
	}

	if !exists {
		return false, false, nil
	}

	if isAgentRunning(name) {
		return true, false, nil
	}

	if err := killSession(name); err != nil {
		return false, false, err
	}
	return false, true, nil
}

func TestEnsureSessionClear_NoExistingSession(t *testing.T) {
	mock := newMockTmuxOps()

	healthy, zombieKilled, err := ensureSessionClearWithOps(
		"test-session",
		mock.hasSession,
		mock.isAgentRunning,
		mock.killSession,
	)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if healthy {
		t.Error("expected healthy=false when no session exists")
	}
	if zombieKilled {
		t.Error("expected zombieKilled=false when no session exists")
	}
	if mock.wasKillCalled("test-session") {
		t.Error("KillSession should not be called when session doesn't exist")
	}
}

func TestEnsureSessionClear_ZombieSession(t *testing.T) {
	mock := newMockTmuxOps()
	mock.addSession("test-session", false)

	healthy, zombieKilled, err := ensureSessionClearWithOps(
		"test-session",
		mock.hasSession,
		mock.isAgentRunning,
		mock.killSession,
	)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if healthy {
		t.Error("expected healthy=false for zombie session")
	}
	if !zombieKilled {
		t.Error("expected zombieKilled=true for zombie session")
	}
	if !mock.wasKillCalled("test-session") {
		t.Error("KillSession should be called for zombie session")
	}
}

func TestEnsureSessionClear_HealthySession(t *testing.T) {
	mock := newMockTmuxOps()
	mock.addSession("test-session", true)

	healthy, zombieKilled, err := ensureSessionClearWithOps(
		"test-session",
		mock.hasSession,
		mock.isAgentRunning,
		mock.killSession,
	)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !healthy {
		t.Error("expected healthy=true for healthy session")
	}
	if zombieKilled {
		t.Error("expected zombieKilled=false for healthy session")
	}
	if mock.wasKillCalled("test-session") {
		t.Error("KillSession should NOT be called for healthy session")
	}
}

func TestEnsureSessionClear_HasSessionError(t *testing.T) {
	mock := newMockTmuxOps()
	mock.setHasError("test-session", errors.New("tmux error"))

	healthy, zombieKilled, err := ensureSessionClearWithOps(
		"test-session",
		mock.hasSession,
		mock.isAgentRunning,
		mock.killSession,
	)

	if err == nil {
		t.Fatal("expected error from HasSession")
	}
	if healthy {
		t.Error("expected healthy=false on error")
	}
	if zombieKilled {
		t.Error("expected zombieKilled=false on error")
	}
}

func TestEnsureSessionClear_KillSessionError(t *testing.T) {
	mock := newMockTmuxOps()
	mock.addSession("test-session", false)
	mock.setKillError("test-session", errors.New("kill failed"))

	healthy, zombieKilled, err := ensureSessionClearWithOps(
		"test-session",
		mock.hasSession,
		mock.isAgentRunning,
		mock.killSession,
	)

	if err == nil {
		t.Fatal("expected error from KillSession")
	}
	if healthy {
		t.Error("expected healthy=false on error")
	}
	if zombieKilled {
		t.Error("expected zombieKilled=false on error")
	}
}

func TestIsAgentRunning_ShellSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-agent-shell-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	if tm.IsAgentRunning(sessionName) {
		cmd, _ := tm.GetPaneCommand(sessionName)
		t.Errorf("IsAgentRunning returned true for shell session (cmd=%q)", cmd)
	}
}

func TestIsAgentRunning_NonexistentSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()

	if tm.IsAgentRunning("nonexistent-session-xyz-abc") {
		t.Error("IsAgentRunning returned true for nonexistent session")
	}
}

func TestGetPaneCommand_ShellSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	tm := NewTmux()
	sessionName := "foreman-test-pane-cmd-" + t.Name()

	_ = tm.KillSession(sessionName)

	if err := tm.NewSession(sessionName, ""); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer func() { _ = tm.KillSession(sessionName) }()

	cmd, err := tm.GetPaneCommand(sessionName)
	if err != nil {
		t.Fatalf("GetPaneCommand: %v", err)
	}

	validShells := []string{"bash", "zsh", "sh", "fish", "tcsh", "csh"}
	isShell := false
	for _, shell := range validShells {
		if cmd == shell {
			isShell = true
			break
		}
	}
	if !isShell {
		t.Errorf("GetPaneCommand returned %q, expected a shell", cmd)
	}
}
