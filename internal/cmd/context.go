// Package cmd wires the fleet control plane's components into a cobra CLI:
// one root command per the section-6 external interface, with subcommands
// grouped by concern (agent, queue, scale, match, reserve, broadcast,
// spawn/teardown, monitor, doctor).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foreman-fleet/foreman/internal/beadstore"
	"github.com/foreman-fleet/foreman/internal/broadcast"
	"github.com/foreman-fleet/foreman/internal/config"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/mailclient"
	"github.com/foreman-fleet/foreman/internal/matcher"
	"github.com/foreman-fleet/foreman/internal/monitor"
	"github.com/foreman-fleet/foreman/internal/perf"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/foreman-fleet/foreman/internal/reservation"
	"github.com/foreman-fleet/foreman/internal/scaler"
	"github.com/foreman-fleet/foreman/internal/spawner"
	"github.com/foreman-fleet/foreman/internal/tmux"
)

// fleet bundles every wired-up component a command needs, built once per
// invocation from the resolved project root and config.
type fleet struct {
	root   string
	cfg    *config.Config
	tm     *tmux.Tmux
	reg    *registry.Registry
	log    *events.Log
	bs     beadstore.Client
	perf   *perf.Tracker
	mail   *mailclient.Client
	res    *reservation.Client
	router *broadcast.Router
	sp     *spawner.Spawner
}

// scalerAdapter satisfies scaler.Spawner/scaler.Teardown against the
// concrete Spawner type, whose richer return shapes don't match the
// scaler's narrower needs.
type scalerAdapter struct{ sp *spawner.Spawner }

func (a scalerAdapter) Spawn(session, typ string, count int, startDir string) ([]string, error) {
	return a.sp.SpawnNames(session, typ, count, startDir)
}

func (a scalerAdapter) TeardownAgent(name string) error {
	return a.sp.TeardownAgent(name)
}

// projectRoot resolves the project root flag, defaulting to the current
// working directory.
func projectRoot(flagVal string) (string, error) {
	if flagVal != "" {
		return filepath.Abs(flagVal)
	}
	return os.Getwd()
}

// buildFleet wires every component against root, loading config from
// ".beads/queue-thresholds.conf" under it.
func buildFleet(root string) (*fleet, error) {
	cfg, err := config.Load(filepath.Join(root, ".beads", "queue-thresholds.conf"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	tm := tmux.NewTmux()
	reg := registry.New(root, tm)

	log, err := events.Open(filepath.Join(root, ".beads", "activity.jsonl"))
	if err != nil {
		return nil, err
	}

	bs := beadstore.New(root)

	perfTracker, err := perf.Open(
		filepath.Join(root, ".beads", "active-tracking.jsonl"),
		filepath.Join(root, ".beads", "performance.db"),
	)
	if err != nil {
		return nil, err
	}

	var mail *mailclient.Client
	if cfg.MailServer != "" {
		mail = mailclient.New(cfg.MailServer, os.Getenv("MAIL_API_TOKEN"))
	}

	projectKey := cfg.ProjectKey
	if projectKey == "" {
		projectKey = root
	}

	router := broadcast.New(root, reg, tm, mail, nil, cfg.MailSenderName)

	var res *reservation.Client
	var releaser spawner.Releaser
	if mail != nil {
		res = reservation.New(root, mail, router, projectKey, cfg.DefaultTTL, cfg.TTLWarnThreshold, cfg.AutoReleaseStale)
		releaser = res
	}

	sp := spawner.New(root, tm, reg, log, bs, releaser, router)

	return &fleet{
		root: root, cfg: cfg, tm: tm, reg: reg, log: log, bs: bs,
		perf: perfTracker, mail: mail, res: res, router: router, sp: sp,
	}, nil
}

func (f *fleet) historyScorer() matcher.HistoryScorer { return f.perf }

func (f *fleet) scalerComponents() *scaler.Scaler {
	adapter := scalerAdapter{sp: f.sp}
	return scaler.New(f.bs, adapter, adapter, f.log)
}

func (f *fleet) monitor() (*monitor.Monitor, error) {
	levels := monitor.QueueLevels{
		Low: f.cfg.QueueThresholdLow, Medium: f.cfg.QueueThresholdMedium,
		High: f.cfg.QueueThresholdHigh, Critical: f.cfg.QueueThresholdCrit,
	}
	return monitor.Open(f.root, f.bs, f.log, f.reg, f.tm, f.router,
		filepath.Join(f.root, ".beads", "monitor.db"),
		levels, f.cfg.StuckTaskThreshold, f.cfg.HungAgentThreshold, f.cfg.HealthCheckInterval, f.cfg.NudgeCooldown)
}

func (f *fleet) close() {
	if f.perf != nil {
		_ = f.perf.Close()
	}
}

// errNoMailServer is returned by commands that need the Reservation Client
// or mail routing when MAIL_SERVER is unset, so the failure names the
// missing config rather than a nil-pointer panic.
func errNoMailServer() error {
	return ferrors.Newf(ferrors.InvalidInput, "MAIL_SERVER is not configured")
}

// partialDeliveryErr reports a broadcast where some but not all recipients
// were delivered to, per the ferrors.Partial taxonomy entry.
func partialDeliveryErr(failed, total int) error {
	return ferrors.Newf(ferrors.Partial, "%d of %d recipient(s) failed delivery", failed, total)
}
