package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/foreman-fleet/foreman/internal/queue"
	"github.com/foreman-fleet/foreman/internal/registry"
	"github.com/spf13/cobra"
)

// newQueueCmd wires the Queue Analyzer's CLI surface: analyze.
func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Short:   "Queue analyzer: classify ready work and recommend scaling",
		GroupID: GroupQueue,
	}
	queueCmd.AddCommand(newQueueAnalyzeCmd())
	return queueCmd
}

func newQueueAnalyzeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify ready beads and report queue composition",
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

			comp, err := analyzeQueue(f)
			if err != nil {
				return setRunErr(err)
			}

			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(comp)
			}
			fmt.Fprintf(c.OutOrStdout(), "ready=%d active=%d ratio=%.2f\n", comp.ReadyTasks, comp.ActiveAgents, comp.Ratio)
			for typ, n := range comp.TypesNeeded {
				fmt.Fprintf(c.OutOrStdout(), "  %s: %d\n", typ, n)
			}
			for _, r := range comp.Recommendations {
				fmt.Fprintf(c.OutOrStdout(), "recommend: %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

// analyzeQueue gathers ready beads, the active agent set, and lifecycle
// feedback aggregated across active agents, then runs the Queue Analyzer.
func analyzeQueue(f *fleet) (queue.Composition, error) {
	ready, err := f.bs.Ready()
	if err != nil {
		return queue.Composition{}, err
	}
	active, err := f.reg.Active()
	if err != nil {
		return queue.Composition{}, err
	}

	th := queue.Thresholds{
		ScaleUpThreshold: f.cfg.ScaleUpThreshold,
		MinAgents:        f.cfg.MinAgents,
		MaxAgents:        f.cfg.MaxAgents,
	}

	fb := aggregateLifecycleFeedback(f, active)
	return queue.Analyze(ready, len(active), th, fb), nil
}

// aggregateLifecycleFeedback averages the Performance Tracker's per-agent
// completion/success rates across the active fleet so the Queue Analyzer
// sees one fleet-wide signal, per spec 4.C's "lifecycle feedback" input.
// Agents with no history (-1) are excluded from the average; if none have
// history, the aggregate reports -1 ("unknown") for that rate.
func aggregateLifecycleFeedback(f *fleet, active []registry.AgentInstance) queue.LifecycleFeedback {
	fb := queue.LifecycleFeedback{CompletionRate: -1, SuccessRate: -1}
	if f.perf == nil {
		return fb
	}

	var completionSum, successSum float64
	var completionN, successN, inProgress int

	for _, a := range active {
		if n, err := f.perf.InProgressCount(a.Name); err == nil {
			inProgress += n
		}
		if cr := f.perf.CompletionRate(a.Name); cr >= 0 {
			completionSum += cr
			completionN++
		}
		if sr := f.perf.SuccessRate(a.Name); sr >= 0 {
			successSum += sr
			successN++
		}
	}

	fb.InProgressCount = inProgress
	if completionN > 0 {
		fb.CompletionRate = completionSum / float64(completionN)
	}
	if successN > 0 {
		fb.SuccessRate = successSum / float64(successN)
	}
	return fb
}
