// Package config loads the fleet control plane's layered configuration:
// hardcoded defaults, overridden by ".beads/queue-thresholds.conf" (a flat
// KEY=value file), overridden in turn by the fixed set of environment
// variables the spec recognizes. Later layers win, using koanf's merge-on-
// load semantics.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvOverrides is the exact environment-variable override list from the
// external-interfaces contract. Only these are read; koanf's env provider
// is configured with an allow-list callback so an unrelated MAIL_* variable
// in the caller's shell can't leak in.
var EnvOverrides = []string{
	"MAIL_SERVER",
	"MCP_AGENT_MAIL_DIR",
	"PROJECT_KEY",
	"AGENT_NAME",
	"BYPASS_RESERVATION",
	"AUTO_RELEASE_OWN_STALE",
	"DEFAULT_TTL",
	"TTL_WARN_THRESHOLD",
	"MAIL_SENDER_NAME",
}

// Config holds the resolved thresholds, intervals, and external-service
// settings a running foreman process needs.
type Config struct {
	// Queue Analyzer / Auto-Scaler
	ScaleUpThreshold float64
	MinAgents        int
	MaxAgents        int

	// Queue & Health Monitor
	CheckInterval        time.Duration
	StuckTaskThreshold   time.Duration
	HungAgentThreshold   time.Duration
	HealthCheckInterval  time.Duration
	IdleTimeout          time.Duration
	NudgeCooldown        time.Duration
	QueueThresholdLow    int
	QueueThresholdMedium int
	QueueThresholdHigh   int
	QueueThresholdCrit   int

	// Reservation Client
	DefaultTTL        time.Duration
	TTLWarnThreshold  time.Duration
	BypassReservation bool
	AutoReleaseStale  bool

	// External services
	MailServer      string
	MailDir         string
	ProjectKey      string
	AgentName       string
	MailSenderName  string
}

// Defaults mirrors the constants named throughout spec.md (CHECK_INTERVAL
// 300s, STUCK_TASK_THRESHOLD 2h, HUNG_AGENT_THRESHOLD 30m, reservation TTL
// 1800s/900s warn, nudge cooldown >= 1h).
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"scale_up_threshold":     "1.5",
		"min_agents":             "0",
		"max_agents":             "8",
		"check_interval":         "300s",
		"stuck_task_threshold":   "2h",
		"hung_agent_threshold":   "30m",
		"health_check_interval":  "600s",
		"idle_timeout":           "1800s",
		"nudge_cooldown":         "1h",
		"queue_threshold_low":    "5",
		"queue_threshold_medium": "10",
		"queue_threshold_high":   "20",
		"queue_threshold_crit":   "40",
		"default_ttl":            "1800s",
		"ttl_warn_threshold":     "900s",
		"bypass_reservation":     "false",
		"auto_release_own_stale": "false",
	}
}

// Load reads confFilePath (".beads/queue-thresholds.conf") if present, then
// applies the fixed environment-variable overrides, layered on top of
// Defaults().
func Load(confFilePath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, err
	}

	if confFilePath != "" {
		if pairs, err := parseKeyValueFile(confFilePath); err == nil {
			if err := k.Load(confmap.Provider(pairs, "."), nil); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	allow := make(map[string]bool, len(EnvOverrides))
	for _, name := range EnvOverrides {
		allow[name] = true
	}
	envKeyMap := map[string]string{
		"MAIL_SERVER":            "mail_server",
		"MCP_AGENT_MAIL_DIR":     "mail_dir",
		"PROJECT_KEY":            "project_key",
		"AGENT_NAME":             "agent_name",
		"BYPASS_RESERVATION":     "bypass_reservation",
		"AUTO_RELEASE_OWN_STALE": "auto_release_own_stale",
		"DEFAULT_TTL":            "default_ttl",
		"TTL_WARN_THRESHOLD":     "ttl_warn_threshold",
		"MAIL_SENDER_NAME":       "mail_sender_name",
	}
	err := k.Load(env.Provider("", ".", func(s string) string {
		if !allow[s] {
			return ""
		}
		if key, ok := envKeyMap[s]; ok {
			return key
		}
		return ""
	}), nil)
	if err != nil {
		return nil, err
	}

	return fromKoanf(k), nil
}

func fromKoanf(k *koanf.Koanf) *Config {
	dur := func(key string) time.Duration {
		s := k.String(key)
		if d, err := parseSecondsOrDuration(s); err == nil {
			return d
		}
		return 0
	}

	return &Config{
		ScaleUpThreshold:     k.Float64("scale_up_threshold"),
		MinAgents:            k.Int("min_agents"),
		MaxAgents:            k.Int("max_agents"),
		CheckInterval:        dur("check_interval"),
		StuckTaskThreshold:   dur("stuck_task_threshold"),
		HungAgentThreshold:   dur("hung_agent_threshold"),
		HealthCheckInterval:  dur("health_check_interval"),
		IdleTimeout:          dur("idle_timeout"),
		NudgeCooldown:        dur("nudge_cooldown"),
		QueueThresholdLow:    k.Int("queue_threshold_low"),
		QueueThresholdMedium: k.Int("queue_threshold_medium"),
		QueueThresholdHigh:   k.Int("queue_threshold_high"),
		QueueThresholdCrit:   k.Int("queue_threshold_crit"),
		DefaultTTL:           dur("default_ttl"),
		TTLWarnThreshold:     dur("ttl_warn_threshold"),
		BypassReservation:    k.Bool("bypass_reservation"),
		AutoReleaseStale:     k.Bool("auto_release_own_stale"),
		MailServer:           k.String("mail_server"),
		MailDir:              k.String("mail_dir"),
		ProjectKey:           k.String("project_key"),
		AgentName:            k.String("agent_name"),
		MailSenderName:       k.String("mail_sender_name"),
	}
}

// parseSecondsOrDuration accepts either a bare integer (seconds, matching
// the KEY=value conf file's plain numbers) or a Go duration string.
func parseSecondsOrDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// parseKeyValueFile parses the spec-mandated ".beads/queue-thresholds.conf"
// format: one KEY=value pair per line, blank lines and "#" comments
// ignored. This hand-rolled parser exists because the wire format itself is
// spec-mandated, not because koanf lacks a provider for it.
func parseKeyValueFile(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]interface{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		out[key] = val
	}
	return out, scanner.Err()
}
