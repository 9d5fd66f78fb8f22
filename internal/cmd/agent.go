package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/foreman-fleet/foreman/internal/ferrors"
	"github.com/spf13/cobra"
)

// newAgentCmd wires the Identity & Registry component's CLI surface:
// register|unregister|active|list|show|validate|capabilities.
func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:     "agent",
		Short:   "Identity & registry: bind, list, and inspect agents",
		GroupID: GroupAgents,
	}

	agentCmd.AddCommand(
		newAgentRegisterCmd(),
		newAgentUnregisterCmd(),
		newAgentActiveCmd(),
		newAgentListCmd(),
		newAgentShowCmd(),
		newAgentValidateCmd(),
		newAgentCapabilitiesCmd(),
	)
	return agentCmd
}

func newAgentRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register NAME TYPE",
		Short: "Register an agent under a catalog type",
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

			inst, err := f.reg.Register(args[0], args[1])
			if err != nil {
				return setRunErr(err)
			}
			fmt.Fprintf(c.OutOrStdout(), "registered %s as %s\n", inst.Name, inst.Type)
			return nil
		},
	}
}

func newAgentUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister NAME",
		Short: "Remove an agent's registration (no-op if absent)",
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

			if err := f.reg.Unregister(args[0]); err != nil {
				return setRunErr(err)
			}
			fmt.Fprintf(c.OutOrStdout(), "unregistered %s\n", args[0])
			return nil
		},
	}
}

func newAgentActiveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List currently active agents",
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

			active, err := f.reg.Active()
			if err != nil {
				return setRunErr(err)
			}
			if asJSON {
				return json.NewEncoder(c.OutOrStdout()).Encode(active)
			}
			for _, a := range active {
				fmt.Fprintf(c.OutOrStdout(), "%s\t%s\t%s\n", a.Name, a.Type, a.Status)
			}
			fmt.Fprintf(c.OutOrStdout(), "%d active agent(s)\n", len(active))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the agent type catalog",
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

			types, err := f.reg.ListTypes()
			if err != nil {
				return setRunErr(err)
			}
			for _, t := range types {
				fmt.Fprintf(c.OutOrStdout(), "%s\t%s\tcapacity=%d\n", t.Name, t.Description, t.CapacityLimit)
			}
			return nil
		},
	}
}

func newAgentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a registered agent's instance record",
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

			inst, err := f.reg.Show(args[0])
			if err != nil {
				return setRunErr(err)
			}
			return json.NewEncoder(c.OutOrStdout()).Encode(inst)
		},
	}
}

func newAgentValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate TYPE",
		Short: "Check whether a type exists in the catalog",
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

			if !f.reg.Validate(args[0]) {
				return setRunErr(ferrors.Newf(ferrors.InvalidInput, "unknown agent type %q", args[0]))
			}
			fmt.Fprintf(c.OutOrStdout(), "%s: valid\n", args[0])
			return nil
		},
	}
}

func newAgentCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities TYPE",
		Short: "Show a type's declared capabilities",
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

			caps, err := f.reg.Capabilities(args[0])
			if err != nil {
				return setRunErr(err)
			}
			for _, c2 := range caps {
				fmt.Fprintln(c.OutOrStdout(), c2)
			}
			return nil
		},
	}
}
