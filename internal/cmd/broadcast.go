package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foreman-fleet/foreman/internal/broadcast"
	"github.com/spf13/cobra"
)

// newBroadcastCmd wires the Broadcast/Mail Router's CLI surface: a single
// "send" verb, since group-address resolution and dual-channel delivery
// live entirely inside broadcast.Router.Send.
func newBroadcastCmd() *cobra.Command {
	var mode, importance string
	var dryRun, asJSON bool
	cmd := &cobra.Command{
		Use:     "broadcast SENDER TO SUBJECT BODY",
		Short:   "Send a message to an agent or group address",
		Args:    cobra.ExactArgs(4),
		GroupID: GroupComm,
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

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := f.router.Send(ctx, broadcast.Message{
				Sender: args[0], To: args[1], Subject: args[2], Body: args[3],
				Mode: broadcast.Mode(mode), DryRun: dryRun, Importance: importance,
			})
			if err != nil {
				return setRunErr(err)
			}

			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(result)
			}
			for _, r := range result.Recipients {
				status := "ok"
				if r.Err != "" {
					status = "failed: " + r.Err
				} else if !r.TmuxOK && !r.MailOK {
					status = "no channel delivered"
				}
				fmt.Fprintf(c.OutOrStdout(), "%s: tmux=%v mail=%v %s\n", r.Agent, r.TmuxOK, r.MailOK, status)
			}
			if !result.Success {
				return setRunErr(broadcastPartialErr(result))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "both", "delivery mode: both|tmux-only|mail-only")
	cmd.Flags().StringVar(&importance, "importance", "", "override importance (default: auto-detected)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve recipients without delivering")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func broadcastPartialErr(result broadcast.Result) error {
	failed := 0
	for _, r := range result.Recipients {
		if r.Err != "" || (!r.TmuxOK && !r.MailOK) {
			failed++
		}
	}
	return partialDeliveryErr(failed, len(result.Recipients))
}
