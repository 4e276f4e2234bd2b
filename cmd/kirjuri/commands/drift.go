package commands

import (
	"github.com/spf13/cobra"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/pkg/types"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between snapshots",
		Long: `Drift compares the latest snapshot of a kind with the one before it,
or two given snapshots, and records one event per changed object or field.
Events already recorded for the same snapshots are returned, not duplicated.

Datasets missing from either snapshot are not compared.`,
		Example: `  # Latest two daily snapshots
  kirjuri drift --tenant acme --kind daily

  # Two specific snapshots, oldest first
  kirjuri drift --tenant acme --from SNAPSHOT_A --to SNAPSHOT_B`,
		Args: cobra.NoArgs,
		RunE: runDrift,
	}

	addTenantFlag(cmd)
	addKindFlag(cmd, string(types.KindDaily))
	cmd.Flags().String("from", "", "earlier snapshot id")
	cmd.Flags().String("to", "", "later snapshot id")
	cmd.MarkFlagsRequiredTogether("from", "to")

	return cmd
}

func runDrift(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	fromID, _ := cmd.Flags().GetString("from")
	toID, _ := cmd.Flags().GetString("to")

	f, err := newFormatter(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	detector, err := a.Detector(tenant)
	if err != nil {
		return ledgerError(err)
	}

	var events []*types.DriftEvent
	if fromID != "" {
		store, err := a.Store(tenant)
		if err != nil {
			return ledgerError(err)
		}
		from, err := store.GetSnapshot(cmd.Context(), tenant, fromID)
		if err != nil {
			return ledgerError(err)
		}
		to, err := store.GetSnapshot(cmd.Context(), tenant, toID)
		if err != nil {
			return ledgerError(err)
		}
		if to.CapturedAt.Before(from.CapturedAt) {
			return kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "--from must be the earlier snapshot").
				WithSolutions("Swap --from and --to")
		}
		events, err = detector.DetectBetween(cmd.Context(), from, to)
		if err != nil {
			return ledgerError(err)
		}
	} else {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		events, err = detector.Detect(cmd.Context(), tenant, kind)
		if err != nil {
			return ledgerError(err)
		}
	}

	return f.FormatDriftEvents(events, cmd.OutOrStdout())
}
