package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// newSpawnCmd and newTeardownCmd wire the Spawner/Teardown component's CLI
// surface, including the supplemented swarm-scoped operations (spawn a
// named swarm, tear one down by session name).
func newSpawnCmd() *cobra.Command {
	var startDir string
	cmd := &cobra.Command{
		Use:     "spawn SESSION COUNT TYPE",
		Short:   "Spawn COUNT agents of TYPE into SESSION as a tracked swarm",
		Args:    cobra.ExactArgs(3),
		GroupID: GroupAgents,
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

			count, err := parseCount(args[1])
			if err != nil {
				return setRunErr(err)
			}

			results, err := f.sp.Spawn(args[0], args[2], count, startDir)
			if err != nil {
				return setRunErr(err)
			}
			for _, r := range results {
				line := fmt.Sprintf("spawned %s (pane %s)", r.Name, r.PaneID)
				for _, w := range r.Warnings {
					line += "; warning: " + w
				}
				fmt.Fprintln(c.OutOrStdout(), line)
			}
			if len(results) < count {
				fmt.Fprintf(c.ErrOrStderr(), "warning: only %d of %d agents spawned\n", len(results), count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startDir, "dir", "", "working directory for new panes")
	return cmd
}

func newTeardownCmd() *cobra.Command {
	var force bool
	var reason string
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "teardown SESSION",
		Short:   "Tear down a swarm by session name",
		Args:    cobra.ExactArgs(1),
		GroupID: GroupAgents,
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

			report, err := f.sp.Teardown(args[0], force, reason)
			if err != nil {
				return setRunErr(err)
			}

			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(report)
			}
			fmt.Fprintf(c.OutOrStdout(), "torn down %d agent(s) in %s (efficiency %.2f)\n",
				len(report.Torn), report.Duration.Round(time.Second), report.Efficiency)
			for _, w := range report.Warnings {
				fmt.Fprintf(c.ErrOrStderr(), "warning: %s\n", w)
			}
			if len(report.Failed) > 0 {
				fmt.Fprintf(c.ErrOrStderr(), "failed to tear down: %v\n", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "override in-progress-task and active-reservation checks")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the teardown notification")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func parseCount(s string) (int, error) {
	return strconv.Atoi(s)
}
