package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusReport is the status command's payload.
type statusReport struct {
	Tenant      string `json:"tenant"`
	NetworkSync bool   `json:"network_sync"`
	LockActive  bool   `json:"lock_active"`
	SyncStatus  string `json:"sync_status,omitempty"`
	Pending     int    `json:"pending_changes"`
	SyncAnchor  string `json:"sync_anchor,omitempty"`
}

func (r statusReport) String() string {
	anchor := r.SyncAnchor
	if anchor == "" {
		anchor = "never"
	}
	return fmt.Sprintf("tenant:          %s\nnetwork sync:    %t\nlock active:     %t\nsync status:     %s\npending changes: %d\nsync anchor:     %s",
		r.Tenant, r.NetworkSync, r.LockActive, r.SyncStatus, r.Pending, anchor)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <tenant>",
		Short:         "Show a tenant's synchronization state",
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

			report := statusReport{
				Tenant:      args[0],
				NetworkSync: c.IsNetworkSyncAvailable(),
			}
			if report.LockActive, err = c.IsGlobalLockActive(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to read lock state", err)
			}
			if report.SyncStatus, err = c.CurrentSyncStatus(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to read sync status", err)
			}
			if report.Pending, err = c.PendingChanges(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to count pending changes", err)
			}
			anchor, ok, err := c.SyncAnchor(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read sync anchor", err)
			}
			if ok {
				report.SyncAnchor = anchor.UTC().Format(time.RFC3339)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(report)
		},
	}
}
