package cmd

import (
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/monitor"
	tuimonitor "github.com/foreman-fleet/foreman/internal/tui/monitor"
	"github.com/spf13/cobra"
)

// newMonitorCmd wires the Queue & Health Monitor's CLI surface:
// start|stop|status|attach.
func newMonitorCmd() *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:     "monitor",
		Short:   "Queue & health monitor: watch depth, heartbeats, and hung agents",
		GroupID: GroupDiag,
	}
	monitorCmd.AddCommand(
		newMonitorStartCmd(),
		newMonitorStopCmd(),
		newMonitorStatusCmd(),
		newMonitorAttachCmd(),
	)
	return monitorCmd
}

func newMonitorStartCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the monitor's tick loop in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			root, err := projectRoot(projectRootFlag)
			if err != nil {
				return setRunErr(err)
			}
			f, err := buildFleet(root)
			if err != nil {
				return setRunErr(err)
			}
			defer f.close()

			m, err := f.monitor()
			if err != nil {
				return setRunErr(err)
			}
			defer m.Close()

			interval := f.cfg.CheckInterval
			if interval <= 0 {
				interval = 300 * time.Second
			}
			healthInt := f.cfg.HealthCheckInterval
			lastHealthCheck := time.Time{}

			for {
				now := time.Now().UTC()
				runHealth := healthInt <= 0 || now.Sub(lastHealthCheck) >= healthInt
				report, err := m.Tick(now, runHealth)
				if err != nil {
					fmt.Fprintln(c.ErrOrStderr(), events.Fmt(now, "tick error: "+err.Error()))
				} else {
					if runHealth {
						lastHealthCheck = now
					}
					fmt.Fprintln(c.OutOrStdout(), events.Fmt(now, fmt.Sprintf(
						"depth=%d level=%s stuck=%d hung=%d nudged=%d",
						report.Depth, report.Level, len(report.StuckTasks), len(report.HungAgents), len(report.Nudged))))
				}
				if once {
					return nil
				}
				time.Sleep(interval)
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func newMonitorStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running monitor process to exit",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			root, err := projectRoot(projectRootFlag)
			if err != nil {
				return setRunErr(err)
			}
			f, err := buildFleet(root)
			if err != nil {
				return setRunErr(err)
			}
			defer f.close()

			m, err := f.monitor()
			if err != nil {
				return setRunErr(err)
			}
			defer m.Close()

			pid, ok := m.PID()
			if !ok {
				return setRunErr(ferrors.Newf(ferrors.NotFound, "no recorded monitor pid"))
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return setRunErr(ferrors.Wrap(ferrors.TransientExternal, "signaling monitor", err))
			}
			fmt.Fprintf(c.OutOrStdout(), "signaled monitor pid %d\n", pid)
			return nil
		},
	}
}

func newMonitorStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the monitor's last recorded snapshot",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			root, err := projectRoot(projectRootFlag)
			if err != nil {
				return setRunErr(err)
			}
			f, err := buildFleet(root)
			if err != nil {
				return setRunErr(err)
			}
			defer f.close()

			m, err := f.monitor()
			if err != nil {
				return setRunErr(err)
			}
			defer m.Close()

			snap, err := m.Status()
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(snap)
			}
			fmt.Fprintf(c.OutOrStdout(), "level=%s depth=%d active=%d\n", snap.Level, snap.Depth, len(snap.Active))
			if snap.HasPID {
				fmt.Fprintf(c.OutOrStdout(), "pid=%d\n", snap.PID)
			}
			if snap.HasLastTick {
				fmt.Fprintf(c.OutOrStdout(), "last tick: %s\n", snap.LastTick.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newMonitorAttachCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open a live dashboard over the monitor's snapshot",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			root, err := projectRoot(projectRootFlag)
			if err != nil {
				return setRunErr(err)
			}
			f, err := buildFleet(root)
			if err != nil {
				return setRunErr(err)
			}
			defer f.close()

			m, err := f.monitor()
			if err != nil {
				return setRunErr(err)
			}
			defer m.Close()

			fetch := func() (monitor.Snapshot, error) { return m.Status() }
			model := tuimonitor.New(fetch, refresh)
			program := tea.NewProgram(model, tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return setRunErr(ferrors.Wrap(ferrors.TransientExternal, "running attach dashboard", err))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 5*time.Second, "snapshot poll interval")
	return cmd
}
