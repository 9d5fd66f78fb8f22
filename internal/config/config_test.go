package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAgents != 8 {
		t.Errorf("MaxAgents = %d, want 8", cfg.MaxAgents)
	}
	if cfg.StuckTaskThreshold != 2*time.Hour {
		t.Errorf("StuckTaskThreshold = %v, want 2h", cfg.StuckTaskThreshold)
	}
	if cfg.NudgeCooldown < time.Hour {
		t.Errorf("NudgeCooldown = %v, want >= 1h", cfg.NudgeCooldown)
	}
}

func TestLoadConfFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue-thresholds.conf")
	content := "# comment\nMAX_AGENTS=12\nmin_agents=2\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAgents != 12 {
		t.Errorf("MaxAgents = %d, want 12", cfg.MaxAgents)
	}
	if cfg.MinAgents != 2 {
		t.Errorf("MinAgents = %d, want 2", cfg.MinAgents)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue-thresholds.conf")
	_ = os.WriteFile(path, []byte("MAX_AGENTS=12\n"), 0644)

	t.Setenv("AGENT_NAME", "alice")
	t.Setenv("UNRELATED_VAR", "should-not-leak")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentName != "alice" {
		t.Errorf("AgentName = %q, want alice", cfg.AgentName)
	}
}
