package cmd

import (
	"fmt"

	"github.com/foreman-fleet/foreman/internal/doctor"
	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/foreman-fleet/foreman/internal/ids"
	"github.com/spf13/cobra"
)

// newDoctorCmd wires the self-audit feature supplementing the Identity &
// Registry component: orphan identity files, dead pid lookups, duplicate
// pending-requester entries, and stale bindings left by ungraceful
// teardown, with an optional --fix pass.
func newDoctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:     "doctor",
		Short:   "Audit the registry's filesystem state for orphaned or stale entries",
		Args:    cobra.NoArgs,
		GroupID: GroupDiag,
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

			ctx, err := buildCheckContext(f)
			if err != nil {
				return setRunErr(err)
			}

			d := doctor.NewDoctor()
			d.RegisterAll(doctor.AllChecks()...)

			var report *doctor.Report
			if fix {
				report = d.Fix(ctx)
			} else {
				report = d.Run(ctx)
			}
			report.Print(c.OutOrStdout())

			if report.HasErrors() {
				return setRunErr(ferrors.Newf(ferrors.Partial, "doctor found %d error(s)", report.Summary.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "attempt to repair what doctor finds")
	return cmd
}

// buildCheckContext gathers the live-pane set (from tmux) and the active
// agent-name set (from the registry) that every doctor check is scored
// against.
func buildCheckContext(f *fleet) (*doctor.CheckContext, error) {
	paneIDs, err := f.tm.ActivePaneIDs()
	if err != nil {
		return nil, fmt.Errorf("listing active panes: %w", err)
	}
	live := make(map[string]bool, len(paneIDs)*2)
	for _, id := range paneIDs {
		live[id] = true
		live[ids.SafePane(id)] = true
	}

	active, err := f.reg.Active()
	if err != nil {
		return nil, fmt.Errorf("listing active agents: %w", err)
	}
	activeName := make(map[string]bool, len(active))
	for _, a := range active {
		activeName[a.Name] = true
	}

	return &doctor.CheckContext{Root: f.root, LivePanes: live, ActiveName: activeName}, nil
}
