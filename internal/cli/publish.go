package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PocKeTio/RT2-sub005/internal/publish"
)

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "publish <tenant>",
		Short: "Publish a local replica to the network share",
		Long: `Publish compacts the tenant's local database and replaces the network
copy atomically, keeping a daily backup of the previous file under
Saved/. The tenant's global lock is held for the duration.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid kind", err)
			}

			c, err := newController(rootOpts)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if err := c.SetCurrentTenant(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "failed to select tenant", err)
			}
			if err := c.Publish(ctx, k); err != nil {
				return WrapExitError(ExitFailure, "publish failed", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(fmt.Sprintf("%s: published %s", args[0], k))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(publish.KindReconciliation),
		"replica to publish (reconciliation|ambre)")
	return cmd
}

func parseKind(s string) (publish.Kind, error) {
	switch publish.Kind(s) {
	case publish.KindReconciliation, publish.KindAmbre:
		return publish.Kind(s), nil
	case publish.KindDW:
		return "", fmt.Errorf("kind %q is read-only", s)
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}
