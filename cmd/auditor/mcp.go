package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/auditor/internal/mcp"
)

func newMCPCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve auditor tools over MCP on stdio",
		Long: `Serve the audit_run, audit_evidence and report_get tools over the
Model Context Protocol on stdin/stdout. Logs go to stderr.

Example MCP client configuration:
  {"command": "auditor", "args": ["mcp"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{events: true, runner: true, stdio: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)
			var reports mcp.ReportReader
			if a.store != nil {
				reports = a.store
			}
			srv, err := mcp.NewServer(&mcp.Config{
				Name:    "auditor",
				Version: version,
				Logger:  a.logger,
			}, a.runner, reports, a.rubrics)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
