package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/kirjuri/internal/app"
	"github.com/yairfalse/kirjuri/pkg/canonical"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// SetVersionInfo updates the version variables with build-time information
func SetVersionInfo(version, commit, buildTime string) {
	if version != "" {
		Version = version
	}
	if commit != "" {
		Commit = commit
	}
	if buildTime != "" {
		BuildTime = buildTime
	}
}

func buildInfo() app.BuildInfo {
	return app.BuildInfo{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}

	cmd.Flags().Bool("short", false, "show only version number")

	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if short, _ := cmd.Flags().GetBool("short"); short {
		fmt.Fprintln(out, Version)
		return nil
	}

	fmt.Fprintf(out, "kirjuri version %s\n", Version)
	fmt.Fprintf(out, "  commit: %s\n", Commit)
	fmt.Fprintf(out, "  built: %s\n", BuildTime)
	fmt.Fprintf(out, "  hash: %s, encoding %s\n", canonical.HashAlgorithm, canonical.EncodingVersion)
	return nil
}
