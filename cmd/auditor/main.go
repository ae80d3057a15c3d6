// Auditor runs multi-evaluator audits of source repositories.
//
// Usage:
//
//	# Audit a local checkout and print a summary
//	auditor run .
//
//	# Collect evidence only
//	auditor evidence https://github.com/org/repo.git
//
//	# Serve the HTTP API
//	auditor serve
//
//	# Serve MCP tools on stdio
//	auditor mcp
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	rubricPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "auditor",
		Short: "Audit repositories with a bench of evaluators",
		Long: `auditor collects forensic evidence from a repository, asks a bench of
evaluator personas for opinions and synthesizes them into a scored report.

Configuration is read from ~/.config/auditor/config.yaml and AUDITOR_*
environment variables.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.config/auditor/config.yaml)")
	root.PersistentFlags().StringVar(&flags.rubricPath, "rubric", "", "rubric file, overrides workflow.rubric_path")

	root.AddCommand(
		newRunCmd(flags, "run"),
		newRunCmd(flags, "evidence"),
		newServeCmd(flags),
		newMCPCmd(flags),
		newReportsCmd(flags),
		newWatchCmd(flags),
	)
	return root
}
