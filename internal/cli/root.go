// Package cli implements the `mycelium` command tree: plan (promote
// backlog manifests into active/), run (drive one or more batches to
// completion), resume (reattach to an existing run, optionally forcing a
// stale-state reset), and logs (query the JSONL event stream). It follows
// the teacher's cli/root.go shape — a persistent config-path flag plus one
// file per subcommand registered from init() — generalized from the
// teacher's single `run` daemon to mycelium's plan/run/resume/logs surface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mycelium",
	Short: "Orchestrate coding agents over a project's task graph",
	Long: `mycelium schedules a batch of project-scoped tasks across parallel coding
agent workspaces, merges their results back onto main, and enforces the
scope, validation, and budget policy declared in mycelium.yaml.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mycelium.yaml", "path to mycelium config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mycelium %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteWithExitCode runs the root command and maps any returned error to
// a process exit code per spec §6 (0 success, 1 user error, 2 internal),
// printing it the way the rest of the CLI surfaces errs.UserError.
func ExecuteWithExitCode() int {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	return printCLIError(err)
}
