package commands

import (
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect capture runs",
	}

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its outcome",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunShow,
	}
	addTenantFlag(show)
	cmd.AddCommand(show)

	return cmd
}

func runRunShow(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	f, err := newFormatter(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.Store(tenant)
	if err != nil {
		return ledgerError(err)
	}
	run, err := store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return ledgerError(err)
	}
	return f.FormatRun(run, cmd.OutOrStdout())
}
