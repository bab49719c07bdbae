package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewTenantsCommand creates the tenants command.
func NewTenantsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tenants",
		Short:         "List tenants available on the network share",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newController(rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			tenants, err := c.ListTenants()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list tenants", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return f.Success(tenants)
			}
			if len(tenants) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tenants found")
				return nil
			}
			return f.Success(strings.Join(tenants, "\n"))
		},
	}
}
