package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newReserveCmd wires the Reservation Client's CLI surface:
// reserve|request|check|release|renew|list|list-all|warn-expiring.
func newReserveCmd() *cobra.Command {
	reserveCmd := &cobra.Command{
		Use:     "reserve",
		Short:   "Reservation client: advisory file locks brokered via mail",
		GroupID: GroupComm,
	}
	reserveCmd.AddCommand(
		newReserveHoldCmd(),
		newReserveRequestCmd(),
		newReserveCheckCmd(),
		newReserveReleaseCmd(),
		newReserveRenewCmd(),
		newReserveListCmd(),
		newReserveListAllCmd(),
		newReserveWarnExpiringCmd(),
	)
	return reserveCmd
}

func reservationCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func newReserveHoldCmd() *cobra.Command {
	var ttl time.Duration
	var reason string
	cmd := &cobra.Command{
		Use:   "hold AGENT PATH [PATH...]",
		Short: "Reserve one or more paths for AGENT",
		Args:  cobra.MinimumNArgs(2),
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()

			result, err := f.res.Reserve(ctx, args[0], args[1:], ttl, reason)
			if err != nil {
				// A conflict still returns a result worth reporting alongside
				// the error that drives the exit code.
				if result != nil {
					fmt.Fprintf(c.ErrOrStderr(), "%d reserved, %d self-conflict(s), %d cross-agent conflict(s)\n",
						len(result.ReservationIDs), len(result.SelfConflicts), len(result.Conflicts))
				}
				return setRunErr(err)
			}
			for _, id := range result.ReservationIDs {
				fmt.Fprintf(c.OutOrStdout(), "reserved (id=%s)\n", id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "reservation TTL (default: DEFAULT_TTL)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the reservation")
	return cmd
}

func newReserveRequestCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "request AGENT PATH",
		Short: "Record interest in a path currently held by another agent",
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			if err := f.res.Request(ctx, args[0], args[1], reason); err != nil {
				return setRunErr(err)
			}
			fmt.Fprintf(c.OutOrStdout(), "%s now waiting on %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the request")
	return cmd
}

func newReserveCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check PATH [PATH...]",
		Short: "Report existing reservations overlapping the given paths",
		Args:  cobra.MinimumNArgs(1),
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			matches, err := f.res.Check(ctx, args)
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(matches)
			}
			if len(matches) == 0 {
				fmt.Fprintln(c.OutOrStdout(), "no conflicting reservations")
				return nil
			}
			for _, r := range matches {
				fmt.Fprintf(c.OutOrStdout(), "%s held by %s (expires %s)\n", r.Path, r.Agent, r.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newReserveReleaseCmd() *cobra.Command {
	var ids, paths []string
	var all bool
	cmd := &cobra.Command{
		Use:   "release AGENT",
		Short: "Release reservations by id, by path, or all of AGENT's",
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			released, err := f.res.Release(ctx, args[0], ids, paths, all)
			if err != nil {
				return setRunErr(err)
			}
			fmt.Fprintf(c.OutOrStdout(), "released %d reservation(s)\n", len(released))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "reservation id(s) to release")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "path(s) to release")
	cmd.Flags().BoolVar(&all, "all", false, "release all of the agent's reservations")
	return cmd
}

func newReserveRenewCmd() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "renew AGENT ID [ID...]",
		Short: "Extend the named reservations",
		Args:  cobra.MinimumNArgs(2),
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			if err := f.res.Renew(ctx, args[0], args[1:], seconds); err != nil {
				return setRunErr(err)
			}
			fmt.Fprintln(c.OutOrStdout(), "renewed")
			return nil
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 1800, "seconds to extend by")
	return cmd
}

func newReserveListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list AGENT",
		Short: "List AGENT's own reservations",
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			records, err := f.res.List(ctx, args[0])
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(records)
			}
			for _, r := range records {
				fmt.Fprintf(c.OutOrStdout(), "%s\t%s\texpires %s\n", r.ID, r.Path, r.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newReserveListAllCmd() *cobra.Command {
	var asJSON bool
	var productUID string
	cmd := &cobra.Command{
		Use:   "list-all",
		Short: "List every visible reservation, optionally across a product",
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			records, err := f.res.ListAll(ctx, productUID)
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(records)
			}
			for _, r := range records {
				fmt.Fprintf(c.OutOrStdout(), "%s\t%s\t%s\texpires %s\n", r.Agent, r.Repo, r.Path, r.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	cmd.Flags().StringVar(&productUID, "product", "", "product UID for a cross-repo view")
	return cmd
}

func newReserveWarnExpiringCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "warn-expiring AGENT",
		Short: "List AGENT's reservations nearing TTL_WARN_THRESHOLD",
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
			if f.res == nil {
				return setRunErr(errNoMailServer())
			}

			ctx, cancel := reservationCtx()
			defer cancel()
			records, err := f.res.WarnExpiring(ctx, args[0], time.Now().UTC())
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(records)
			}
			for _, r := range records {
				fmt.Fprintf(c.OutOrStdout(), "%s\t%s expires in %s\n", r.ID, r.Path, r.Remaining(time.Now().UTC()).Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
