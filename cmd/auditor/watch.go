package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/auditor/internal/events"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow run lifecycle events published to NATS",
		Long: `Follow run lifecycle events published by "auditor serve" or other
auditor processes with events.enabled set.

Examples:
  auditor watch
  auditor watch --run 3f2c8a9e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{events: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if a.nc == nil {
				return errors.New("events are disabled (events.enabled=false)")
			}

			out := cmd.OutOrStdout()
			progress := make(chan workflow.Progress, 64)
			sub, err := events.Subscribe(a.nc, a.cfg.Events.Subject, runID, func(p workflow.Progress) {
				select {
				case progress <- p:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-progress:
					renderProgress(out, p)
					if runID != "" && (p.Type == workflow.EventRunCompleted || p.Type == workflow.EventRunFailed) {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "follow a single run and exit when it finishes")
	return cmd
}
