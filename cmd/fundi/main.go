// Fundi is a sandboxed software-engineering agent runner.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fundi",
	Short: "Run software-engineering agents against sandboxed task instances.",
	Long: `Fundi runs LLM agents against software-engineering task instances inside
immutable container images. Each run gets its own workspace with a snapshot
of the task repository, a policy-enforced command broker, and a scoped
filesystem bridge; the agent works until it submits a patch or hits a limit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, workspacesCmd, runsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
