package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncReport is the sync command's payload.
type syncReport struct {
	Tenant   string `json:"tenant"`
	NoOp     bool   `json:"no_op"`
	Replayed int    `json:"replayed"`
	Skipped  int    `json:"skipped"`
}

func (r syncReport) String() string {
	if r.NoOp {
		return fmt.Sprintf("%s: already up to date", r.Tenant)
	}
	return fmt.Sprintf("%s: replayed %d, skipped %d", r.Tenant, r.Replayed, r.Skipped)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sync <tenant>",
		Short:         "Push pending changes and refresh the local replica",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newController(rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if err := c.SetCurrentTenant(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "failed to select tenant", err)
			}

			res, err := c.Synchronize(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "synchronization failed", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(syncReport{
				Tenant:   args[0],
				NoOp:     res.NoOp,
				Replayed: res.Pushed.Replayed,
				Skipped:  res.Pushed.Skipped,
			})
		},
	}
}
