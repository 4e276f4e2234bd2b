package commands

import (
	"time"

	"github.com/spf13/cobra"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/ledger"
	"github.com/yairfalse/kirjuri/internal/output"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Browse recorded drift events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List drift events newest first",
		Example: `  # Last week of drift across both kinds
  kirjuri events list --tenant acme --since 7d

  # Every recurrence, including superseded events
  kirjuri events list --tenant acme --kind weekly --all`,
		Args: cobra.NoArgs,
		RunE: runEventsList,
	}
	addTenantFlag(list)
	addKindFlag(list, "")
	list.Flags().String("since", "", "only events detected since (RFC3339, YYYY-MM-DD, 36h, 7d)")
	list.Flags().Bool("all", false, "include events superseded by a later recurrence")
	cmd.AddCommand(list)

	return cmd
}

func runEventsList(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	kinds, err := kindsFlag(cmd)
	if err != nil {
		return err
	}
	rawSince, _ := cmd.Flags().GetString("since")
	since, err := parseTime(rawSince, time.Now())
	if err != nil {
		return kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "Invalid --since").Wrap(err)
	}
	all, _ := cmd.Flags().GetBool("all")

	f, err := newFormatter(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.EventStore(tenant)
	if err != nil {
		return ledgerError(err)
	}

	events := []*types.DriftEvent{}
	for _, kind := range kinds {
		found, err := store.List(cmd.Context(), kind, ledger.ListOptions{IncludeSuperseded: all, Since: since})
		if err != nil {
			return ledgerError(err)
		}
		events = append(events, found...)
	}
	output.SortEvents(events)
	return f.FormatDriftEvents(events, cmd.OutOrStdout())
}
