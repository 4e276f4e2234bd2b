package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/pkg/config"
)

var (
	cfg *config.Config
	log logger.Logger
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "kirjuri",
		Short: "Snapshot evidence ledger and drift detector",
		Long: `Kirjuri captures read-only snapshots of a tenant's configuration
(projects, fields, workflows, automation rules), stores them with a
reproducible canonical hash, and records drift between consecutive
snapshots of the same kind.

  kirjuri capture --tenant acme --cloud-scope SCOPE --kind daily
  kirjuri snapshot list --tenant acme
  kirjuri drift --tenant acme --kind daily
  kirjuri events list --tenant acme --since 7d`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kirjuri/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	cmd.PersistentFlags().StringP("output", "o", "", "output format (table, json, yaml)")
	cmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	cmd.PersistentFlags().String("storage-backend", "", "storage backend (memory, file, dynamodb, s3, gcs, azure, redis, postgres)")

	// read by the error display
	viper.BindPFlag("output.no_color", cmd.PersistentFlags().Lookup("no-color"))

	cmd.AddCommand(newCaptureCommand())
	cmd.AddCommand(newSnapshotCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newDriftCommand())
	cmd.AddCommand(newEventsCommand())
	cmd.AddCommand(newRetentionCommand())
	cmd.AddCommand(newPolicyCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// Execute runs the CLI and exits with a code matching the error type
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		kirjurierrors.DisplayError(err)
		os.Exit(kirjurierrors.GetExitCode(err))
	}
}

// initConfig loads the config file and environment, then applies flags
func initConfig(cmd *cobra.Command, cfgFile string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return kirjurierrors.ConfigurationError("Failed to load configuration", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		loaded.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		loaded.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("output") {
		loaded.Output.Format, _ = flags.GetString("output")
	}
	if flags.Changed("no-color") {
		loaded.Output.NoColor, _ = flags.GetBool("no-color")
	}
	if flags.Changed("storage-backend") {
		loaded.Storage.Backend, _ = flags.GetString("storage-backend")
	}

	l, err := logger.NewWithOutput(loaded.Logging, cmd.ErrOrStderr())
	if err != nil {
		return kirjurierrors.ConfigurationError("Invalid logging configuration", err)
	}

	cfg = loaded
	log = l
	return nil
}
