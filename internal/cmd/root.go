package cmd

import (
	"fmt"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/spf13/cobra"
)

var projectRootFlag string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Fleet control plane for orchestrating long-running coding agents",
	Long: `foreman orchestrates long-running AI coding agents across tmux panes:
identity and registry, queue analysis, agent matching, auto-scaling,
reservations, and mail/broadcast routing.`,
}

// Command group IDs, used by subcommands to organize help output.
const (
	GroupAgents  = "agents"
	GroupQueue   = "queue"
	GroupComm    = "comm"
	GroupDiag    = "diag"
)

func init() {
	cobra.EnablePrefixMatching = true

	rootCmd.PersistentFlags().StringVar(&projectRootFlag, "root", "", "project root (defaults to cwd)")

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupAgents, Title: "Agents:"},
		&cobra.Group{ID: GroupQueue, Title: "Queue & Scaling:"},
		&cobra.Group{ID: GroupComm, Title: "Communication:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.AddCommand(
		newAgentCmd(),
		newQueueCmd(),
		newMatchCmd(),
		newScaleCmd(),
		newReserveCmd(),
		newBroadcastCmd(),
		newSpawnCmd(),
		newTeardownCmd(),
		newMonitorCmd(),
		newDoctorCmd(),
	)
}

// Execute runs the root command and returns a process exit code following
// the stable contract (0 success, 1 general, 5 cross-agent conflict,
// 6 self-conflict).
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := lastRunErr(); ok {
			return ferrors.ExitCode(exitErr)
		}
		fmt.Fprintln(rootCmd.ErrOrStderr(), err)
		return 1
	}
	return 0
}

// runErr is stashed by RunE implementations so Execute can recover the
// concrete *ferrors.Error after cobra's RunE/Execute has already printed
// it, without forcing every subcommand to duplicate exit-code logic.
var runErr error

func lastRunErr() (error, bool) {
	if runErr == nil {
		return nil, false
	}
	return runErr, true
}

func setRunErr(err error) error {
	runErr = err
	return err
}
