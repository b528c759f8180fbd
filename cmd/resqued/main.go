package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "resqued",
	Short:         "resqued -- two-level process supervisor for background job workers",
	Long:          "resqued supervises a generation of listener processes, each of which forks and drains a pool of queue workers.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// cobra's Find strips dash-prefixed tokens before matching
		// subcommands or aliases, so "resqued -v" never reaches a
		// "version" subcommand alias; it lands here as the root
		// command's own -v/--version flag instead.
		if v, _ := cmd.Flags().GetBool("version"); v {
			return printVersion(cmd.OutOrStdout())
		}
		return cmd.Help()
	},
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "print version information and exit")
}

// unexpectedExitHandler recovers from a panic that escapes the command tree,
// logs it with a stack trace, and exits non-zero. A normal exit path never
// reaches it.
func unexpectedExitHandler(logger *slog.Logger) {
	if r := recover(); r != nil {
		logger.Error("unexpected exit", "panic", r, "stack", string(debug.Stack()))
		os.Exit(1)
	}
}

func main() {
	logger := slog.Default()
	defer unexpectedExitHandler(logger)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
