package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/store"
)

var errStoreDisabled = errors.New("report store is disabled (store.enabled=false)")

func newReportsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse stored audit reports",
	}

	var (
		artifact string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if a.store == nil {
				return errStoreDisabled
			}

			summaries, err := a.store.List(ctx, store.ListOptions{ArtifactRef: artifact, Limit: limit})
			if err != nil {
				return err
			}
			renderSummaries(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	list.Flags().StringVar(&artifact, "artifact", "", "only reports for this artifact ref")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of reports")

	var format string
	show := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)
			if a.store == nil {
				return errStoreDisabled
			}

			rep, err := a.store.Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("report %s not found", args[0])
			}
			if err != nil {
				return err
			}
			switch format {
			case "markdown", "md":
				return report.RenderMarkdown(cmd.OutOrStdout(), rep)
			case "json":
				return report.RenderJSON(cmd.OutOrStdout(), rep)
			default:
				return fmt.Errorf("unknown format %q: want markdown or json", format)
			}
		},
	}
	show.Flags().StringVar(&format, "format", "markdown", "output format: markdown or json")

	cmd.AddCommand(list, show)
	return cmd
}
