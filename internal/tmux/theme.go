package tmux

import (
	"hash/fnv"
)

// Theme is the visual styling applied to a pane's status-line so operators
// attached to a multi-agent session can tell swarms apart at a glance.
type Theme struct {
	Name string // Human-readable theme name
	BG   string // Background color (hex or color name)
	FG   string // Foreground color (hex or color name)
}

// Style returns the tmux style string for this theme (e.g. "bg=#1e3a5f,fg=#e0e0e0").
func (t Theme) Style() string {
	return "bg=" + t.BG + ",fg=" + t.FG
}

// DefaultPalette is the curated set of distinct, professional color themes
// assigned to swarms so concurrently running swarms are visually distinct.
var DefaultPalette = []Theme{
	{Name: "ocean", BG: "#1e3a5f", FG: "#e0e0e0"},
	{Name: "forest", BG: "#2d5a3d", FG: "#e0e0e0"},
	{Name: "rust", BG: "#8b4513", FG: "#f5f5dc"},
	{Name: "plum", BG: "#4a3050", FG: "#e0e0e0"},
	{Name: "slate", BG: "#4a5568", FG: "#e0e0e0"},
	{Name: "ember", BG: "#b33a00", FG: "#f5f5dc"},
	{Name: "midnight", BG: "#1a1a2e", FG: "#c0c0c0"},
	{Name: "wine", BG: "#722f37", FG: "#f5f5dc"},
	{Name: "teal", BG: "#0d5c63", FG: "#e0e0e0"},
	{Name: "copper", BG: "#6d4c41", FG: "#f5f5dc"},
}

// DefaultTheme is a neutral theme for sessions without a specific assignment.
func DefaultTheme() Theme {
	return Theme{Name: "default", BG: "#4a5568", FG: "#e0e0e0"}
}

// CoordinatorTheme marks the session hosting the @coordinators role.
func CoordinatorTheme() Theme {
	return Theme{Name: "coordinator", BG: "#3d3200", FG: "#ffd700"}
}

// MonitorTheme marks the session running the Queue & Health Monitor.
func MonitorTheme() Theme {
	return Theme{Name: "monitor", BG: "#2d1f3d", FG: "#c0b0d0"}
}

// GetThemeByName finds a theme by name from the default palette, or nil.
func GetThemeByName(name string) *Theme {
	for _, t := range DefaultPalette {
		if t.Name == name {
			return &t
		}
	}
	return nil
}

// AssignTheme picks a theme for a swarm based on its name, using consistent
// hashing so the same swarm always gets the same color across restarts.
func AssignTheme(swarmName string) Theme {
	return AssignThemeFromPalette(swarmName, DefaultPalette)
}

// AssignThemeFromPalette picks a theme using a custom palette.
func AssignThemeFromPalette(swarmName string, palette []Theme) Theme {
	if len(palette) == 0 {
		return DefaultPalette[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(swarmName))
	idx := int(h.Sum32()) % len(palette)
	return palette[idx]
}

// ListThemeNames returns the names of all themes in the default palette.
func ListThemeNames() []string {
	names := make([]string, len(DefaultPalette))
	for i, t := range DefaultPalette {
		names[i] = t.Name
	}
	return names
}

// SessionConfig is the visual + identity configuration applied to a pane
// when an agent is spawned into it.
type SessionConfig struct {
	Theme Theme
	Name  string // agent name shown in the status line
	Role  string // "coordinator", "monitor", or an AgentType name
	Swarm string // swarm name, empty for standalone agents
}

// SessionConfigForRole returns the visual session configuration for a role,
// centralizing role identity (theme, label) in one place. Rig-scoped roles
// (any AgentType) are themed by swarmName so every member of one swarm
// shares a color.
func SessionConfigForRole(role, swarmName string) SessionConfig {
	switch role {
	case "coordinator":
		return SessionConfig{Theme: CoordinatorTheme(), Name: "Coordinator", Role: role}
	case "monitor":
		return SessionConfig{Theme: MonitorTheme(), Name: "Monitor", Role: role}
	default:
		return SessionConfig{Theme: AssignTheme(swarmName), Name: role, Role: role, Swarm: swarmName}
	}
}
