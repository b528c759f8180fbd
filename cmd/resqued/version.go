package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/resqued/resqued/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// printVersion is shared by the "version" subcommand and the root
// command's -v/--version flag (spec.md §6).
func printVersion(w io.Writer) error {
	goVer := version.GoVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	for _, line := range []string{
		fmt.Sprintf("resqued %s", version.Version),
		fmt.Sprintf("  commit:  %s", version.Commit),
		fmt.Sprintf("  built:   %s", version.Date),
		fmt.Sprintf("  go:      %s", goVer),
		fmt.Sprintf("  os/arch: %s/%s", runtime.GOOS, runtime.GOARCH),
		fmt.Sprintf("  fips:    %s", version.FIPS),
	} {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
