package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/matcher"
	"github.com/spf13/cobra"
)

// newMatchCmd wires the Matcher's CLI surface: score|best-match.
func newMatchCmd() *cobra.Command {
	matchCmd := &cobra.Command{
		Use:     "match",
		Short:   "Matcher: score (agent, task) pairs",
		GroupID: GroupQueue,
	}
	matchCmd.AddCommand(newMatchScoreCmd(), newMatchBestCmd())
	return matchCmd
}

func newMatchScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score AGENT TASK_ID",
		Short: "Score a single (agent, task) pair",
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

			agent, err := loadMatcherAgent(f, args[0])
			if err != nil {
				return setRunErr(err)
			}
			task, err := f.bs.Show(args[1])
			if err != nil {
				return setRunErr(err)
			}

			score := matcher.Score(agent, *task, f.historyScorer())
			fmt.Fprintf(c.OutOrStdout(), "%.4f\n", score)
			return nil
		},
	}
}

func newMatchBestCmd() *cobra.Command {
	var agentNames []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "best-match TASK_ID",
		Short: "Find the highest-scoring agent for a task",
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

			task, err := f.bs.Show(args[0])
			if err != nil {
				return setRunErr(err)
			}

			names := agentNames
			if len(names) == 0 {
				active, err := f.reg.Active()
				if err != nil {
					return setRunErr(err)
				}
				for _, a := range active {
					names = append(names, a.Name)
				}
			}

			var agents []matcher.Agent
			for _, n := range names {
				a, err := loadMatcherAgent(f, n)
				if err != nil {
					continue
				}
				agents = append(agents, a)
			}

			best, score, ok := matcher.BestMatch(*task, agents, f.historyScorer())
			if !ok {
				return setRunErr(ferrors.Newf(ferrors.NotFound, "no candidate agents to score"))
			}

			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(map[string]any{"agent": best.Name, "score": score})
			}
			fmt.Fprintf(c.OutOrStdout(), "%s\t%.4f\n", best.Name, score)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&agentNames, "agents", nil, "candidate agent names (default: all active)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

// loadMatcherAgent builds a matcher.Agent from the registry (for declared
// capabilities) and the Performance Tracker (for current workload).
func loadMatcherAgent(f *fleet, name string) (matcher.Agent, error) {
	inst, err := f.reg.Show(name)
	if err != nil {
		return matcher.Agent{}, err
	}
	caps, err := f.reg.Capabilities(inst.Type)
	if err != nil {
		caps = nil
	}
	inProgress := 0
	if f.perf != nil {
		if n, err := f.perf.InProgressCount(name); err == nil {
			inProgress = n
		}
	}
	return matcher.Agent{Name: name, Capabilities: caps, TasksInProgress: inProgress}, nil
}
