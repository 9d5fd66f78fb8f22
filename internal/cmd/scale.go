package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/foreman-fleet/foreman/internal/events"
	"github.com/foreman-fleet/foreman/internal/queue"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/foreman-fleet/foreman/internal/scaler"
	"github.com/spf13/cobra"
)

// newScaleCmd wires the Auto-Scaler's CLI surface: analyze is queue's verb
// (exposed there too per spec section 6's listing, which groups it under
// analyze|scale-up|scale-down|check-idle|auto|track); this group covers
// the remaining five.
func newScaleCmd() *cobra.Command {
	scaleCmd := &cobra.Command{
		Use:     "scale",
		Short:   "Auto-scaler: spawn or tear down agents on queue signal",
		GroupID: GroupQueue,
	}
	scaleCmd.AddCommand(
		newScaleUpCmd(),
		newScaleDownCmd(),
		newCheckIdleCmd(),
		newScaleAutoCmd(),
		newScaleTrackCmd(),
	)
	return scaleCmd
}

func newScaleUpCmd() *cobra.Command {
	var session, startDir string
	cmd := &cobra.Command{
		Use:   "scale-up N TYPE",
		Short: "Spawn N agents of TYPE, bounded by MAX_AGENTS",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return setRunErr(err)
			}
			root, err := projectRoot(projectRootFlag)
			if err != nil {
				return setRunErr(err)
			}
			f, err := buildFleet(root)
			if err != nil {
				return setRunErr(err)
			}
			defer f.close()

			active, err := f.reg.Active()
			if err != nil {
				return setRunErr(err)
			}
			remaining := f.cfg.MaxAgents - len(active)
			if remaining < n {
				n = remaining
			}
			if n <= 0 {
				fmt.Fprintln(c.OutOrStdout(), "already at MAX_AGENTS, nothing spawned")
				return nil
			}

			results, err := f.sp.Spawn(session, args[1], n, startDir)
			if err != nil {
				return setRunErr(err)
			}
			for _, r := range results {
				fmt.Fprintf(c.OutOrStdout(), "spawned %s (pane %s)\n", r.Name, r.PaneID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "default", "tmux session to spawn panes into")
	cmd.Flags().StringVar(&startDir, "dir", "", "working directory for new panes")
	return cmd
}

func newScaleDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale-down AGENT",
		Short: "Tear down a single agent",
		Args:  cobra.ExactArgs(1),
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

			if err := f.sp.TeardownAgent(args[0]); err != nil {
				return setRunErr(err)
			}
			fmt.Fprintf(c.OutOrStdout(), "torn down %s\n", args[0])
			return nil
		},
	}
}

func newCheckIdleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-idle",
		Short: "Tear down agents idle past IDLE_TIMEOUT, floored at MIN_AGENTS",
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

			active, allEvents, err := loadActiveWithActivity(f)
			if err != nil {
				return setRunErr(err)
			}

			now := time.Now().UTC()
			torn := 0
			currentActive := len(active)
			for _, a := range active {
				if currentActive <= f.cfg.MinAgents {
					break
				}
				last, found := events.LastActivity(allEvents, a.Name)
				idle := !found || now.Sub(last) > f.cfg.IdleTimeout
				if !idle {
					continue
				}
				if err := f.sp.TeardownAgent(a.Name); err != nil {
					fmt.Fprintf(c.ErrOrStderr(), "warning: tearing down %s: %v\n", a.Name, err)
					continue
				}
				fmt.Fprintf(c.OutOrStdout(), "torn down %s (idle)\n", a.Name)
				torn++
				currentActive--
			}
			if torn == 0 {
				fmt.Fprintln(c.OutOrStdout(), "no idle agents")
			}
			return nil
		},
	}
	return cmd
}

func newScaleAutoCmd() *cobra.Command {
	var session, startDir string
	var once bool
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Run the Auto-Scaler's periodic loop",
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

			s := f.scalerComponents()
			interval := f.cfg.CheckInterval
			if interval <= 0 {
				interval = 300 * time.Second
			}

			for {
				if err := runScaleTick(c, f, s, session, startDir); err != nil {
					fmt.Fprintf(c.ErrOrStderr(), "%s\n", events.Fmt(time.Now(), "tick error: "+err.Error()))
				}
				if once {
					return nil
				}
				time.Sleep(interval)
			}
		},
	}
	cmd.Flags().StringVar(&session, "session", "default", "tmux session to spawn panes into")
	cmd.Flags().StringVar(&startDir, "dir", "", "working directory for new panes")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func runScaleTick(c *cobra.Command, f *fleet, s *scaler.Scaler, session, startDir string) error {
	active, allEvents, err := loadActiveWithActivity(f)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var scalerActive []scaler.ActiveAgent
	for _, a := range active {
		last, found := events.LastActivity(allEvents, a.Name)
		scalerActive = append(scalerActive, scaler.ActiveAgent{Name: a.Name, LastActivity: last, HasActivity: found})
	}

	th := queue.Thresholds{ScaleUpThreshold: f.cfg.ScaleUpThreshold, MinAgents: f.cfg.MinAgents, MaxAgents: f.cfg.MaxAgents}
	fb := aggregateLifecycleFeedback(f, active)

	decision, err := s.Run(scaler.Tick{
		Thresholds: th, IdleTimeout: f.cfg.IdleTimeout, Session: session, StartDir: startDir, Now: now,
	}, scalerActive, fb)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.OutOrStdout(), events.Fmt(now, fmt.Sprintf(
		"ready=%d active=%d spawned=%v torn_down=%v",
		decision.Composition.ReadyTasks, decision.Composition.ActiveAgents, decision.Spawned, decision.TornDown)))
	return nil
}

func loadActiveWithActivity(f *fleet) ([]registry.AgentInstance, []events.Event, error) {
	active, err := f.reg.Active()
	if err != nil {
		return nil, nil, err
	}
	allEvents, err := f.log.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return active, allEvents, nil
}

func newScaleTrackCmd() *cobra.Command {
	trackCmd := &cobra.Command{
		Use:   "track",
		Short: "Performance Tracker: record task start/completion",
	}
	trackCmd.AddCommand(newTrackStartCmd(), newTrackCompleteCmd())
	return trackCmd
}

func newTrackStartCmd() *cobra.Command {
	var labels []string
	cmd := &cobra.Command{
		Use:   "start AGENT TASK_ID",
		Short: "Record an agent starting a task",
		Args:  cobra.ExactArgs(2),
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

			if err := f.perf.Start(args[0], args[1], labels); err != nil {
				return setRunErr(err)
			}
			_ = f.log.Append(events.Event{Agent: args[0], Event: events.Claim, Payload: events.ClaimPayload(args[1], labels)})
			fmt.Fprintf(c.OutOrStdout(), "%s started %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "task labels")
	return cmd
}

func newTrackCompleteCmd() *cobra.Command {
	var quality int
	var hasQuality bool
	cmd := &cobra.Command{
		Use:   "complete AGENT TASK_ID",
		Short: "Record an agent completing a task",
		Args:  cobra.ExactArgs(2),
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

			var q *int
			if hasQuality {
				q = &quality
			}
			result, err := f.perf.Complete(args[0], args[1], q)
			if err != nil {
				return setRunErr(err)
			}
			_ = f.log.Append(events.Event{Agent: args[0], Event: events.Complete, Payload: events.CompletePayload(args[1], q)})
			if !result.MatchedStart {
				fmt.Fprintf(c.ErrOrStderr(), "warning: no matching start recorded for %s/%s\n", args[0], args[1])
			}
			fmt.Fprintf(c.OutOrStdout(), "%s completed %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score [0,100]")
	cmd.Flags().BoolVar(&hasQuality, "has-quality", false, "set if --quality was explicitly provided")
	return cmd
}
