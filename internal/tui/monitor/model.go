// Package monitor implements the "foreman monitor attach" dashboard: a
// read-only bubbletea view over the Queue & Health Monitor's snapshot,
// refreshing on a fixed tick the way the feed TUI polls its event source.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/foreman-fleet/foreman/internal/monitor"
)

// SnapshotFunc fetches a fresh monitor snapshot on demand.
type SnapshotFunc func() (monitor.Snapshot, error)

// KeyMap is the attach view's key bindings.
type KeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Help    key.Binding
}

func defaultKeyMap() KeyMap {
	return KeyMap{
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh now")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	levelStyles = map[string]lipgloss.Style{
		"normal":   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"low":      lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"medium":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"high":     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"critical": lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Model is the attach dashboard's bubbletea model.
type Model struct {
	fetch    SnapshotFunc
	interval time.Duration

	width, height int
	vp            viewport.Model
	keys          KeyMap
	help          help.Model
	showHelp      bool

	snap    monitor.Snapshot
	lastErr error
	updated time.Time
}

// New creates an attach dashboard model, polling fetch every interval.
func New(fetch SnapshotFunc, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h := help.New()
	h.ShowAll = false
	return &Model{
		fetch:    fetch,
		interval: interval,
		vp:       viewport.New(0, 0),
		keys:     defaultKeyMap(),
		help:     h,
	}
}

type snapshotMsg struct {
	snap monitor.Snapshot
	err  error
}

type tickMsg time.Time

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tea.SetWindowTitle("foreman monitor"))
}

func (m *Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		snap, err := fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *Model) tickCmd() tea.Cmd {
	interval := m.interval
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetchCmd()
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = m.width - 4
		m.vp.Height = m.height - 6
		m.refreshContent()
	case snapshotMsg:
		m.snap, m.lastErr = msg.snap, msg.err
		m.updated = time.Now()
		m.refreshContent()
		return m, m.tickCmd()
	case tickMsg:
		return m, m.fetchCmd()
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m *Model) refreshContent() {
	m.vp.SetContent(m.renderBody())
}

func (m *Model) View() string {
	header := headerStyle.Render("foreman monitor") + "  " +
		levelStyle(m.snap.Level).Render(strings.ToUpper(m.snap.Level)) +
		fmt.Sprintf("  depth=%d", m.snap.Depth)
	if m.lastErr != nil {
		header += "  " + lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("error: "+m.lastErr.Error())
	}

	body := borderStyle.Width(m.width - 2).Render(m.vp.View())

	footer := fmt.Sprintf("updated %s  q quit  r refresh  ? help", m.updated.Format(time.RFC3339))
	if m.showHelp {
		footer += "\n" + m.help.View(helpKeys{m.keys})
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func levelStyle(level string) lipgloss.Style {
	if s, ok := levelStyles[level]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

func (m *Model) renderBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID: ")
	if m.snap.HasPID {
		fmt.Fprintf(&b, "%d\n", m.snap.PID)
	} else {
		b.WriteString("not running\n")
	}

	fmt.Fprintf(&b, "Last tick: ")
	if m.snap.HasLastTick {
		fmt.Fprintf(&b, "%s (%s ago)\n", m.snap.LastTick.Format(time.RFC3339), time.Since(m.snap.LastTick).Round(time.Second))
	} else {
		b.WriteString("never\n")
	}

	b.WriteString("\nActive agents:\n")
	names := append([]string(nil), m.snap.Active...)
	sort.Strings(names)
	if len(names) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, n := range names {
		fmt.Fprintf(&b, "  %s\n", n)
	}

	return b.String()
}

// helpKeys adapts KeyMap to bubbles/help's key.Map interface.
type helpKeys struct{ KeyMap }

func (k helpKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Help, k.Quit}
}

func (k helpKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Refresh, k.Help, k.Quit}}
}
