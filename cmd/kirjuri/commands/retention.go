package commands

import (
	"github.com/spf13/cobra"
	"github.com/yairfalse/kirjuri/internal/ledger"
)

func newRetentionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Apply retention policies",
	}

	enforce := &cobra.Command{
		Use:   "enforce",
		Short: "Delete snapshots and drift events outside the tenant's policy",
		Long: `Enforce applies the tenant's stored retention policy, or the configured
defaults when none is stored. Snapshots older than max_age_days go first,
then the oldest survivors until max_records_per_kind holds. Drift events
older than drift_max_age_days are deleted.`,
		Args: cobra.NoArgs,
		RunE: runRetentionEnforce,
	}
	addTenantFlag(enforce)
	addKindFlag(enforce, "")
	cmd.AddCommand(enforce)

	return cmd
}

func runRetentionEnforce(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	kinds, err := kindsFlag(cmd)
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
	policy, err := store.ResolveRetentionPolicy(cmd.Context(), a.Config().RetentionPolicy(tenant))
	if err != nil {
		return ledgerError(err)
	}
	retention, err := a.Retention(tenant)
	if err != nil {
		return ledgerError(err)
	}

	var reports []*ledger.RetentionReport
	for _, kind := range kinds {
		report, err := retention.Enforce(cmd.Context(), kind, *policy)
		if err != nil {
			return ledgerError(err)
		}
		eventReport, err := retention.EnforceEvents(cmd.Context(), kind, *policy)
		if err != nil {
			return ledgerError(err)
		}
		reports = append(reports, report, eventReport)
	}
	return f.FormatRetention(reports, cmd.OutOrStdout())
}
