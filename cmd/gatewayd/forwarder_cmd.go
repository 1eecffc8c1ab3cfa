package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newForwarderCommand exposes the forwarder's manual operations (spec
// §4.D) from the CLI, for ops scripts that would otherwise have to hit the
// HTTP /sync/* routes.
func newForwarderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forwarder",
		Short: "Operate the background forwarder out-of-band",
	}
	cmd.AddCommand(newForwarderTriggerCommand())
	cmd.AddCommand(newForwarderRetryCommand())
	cmd.AddCommand(newForwarderPruneCommand())
	return cmd
}

func newForwarderTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run one drain cycle immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				summary, err := a.forwarder.Trigger(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("claimed=%d synced=%d failed=%d terminal=%d duration=%s\n",
					summary.Claimed, summary.Synced, summary.Failed, summary.Terminal, summary.Duration)
				return nil
			})
		},
	}
}

func newForwarderRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed_terminal entries to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.forwarder.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("reset %d entries to pending\n", n)
				return nil
			})
		},
	}
}

func newForwarderPruneCommand() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if retention <= 0 {
					retention = a.cfg.Retention
				}
				n, err := a.forwarder.Prune(ctx, retention)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override the configured retention window")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, cleanup, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, a)
}
