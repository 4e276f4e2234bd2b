package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/ledger"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Browse and verify stored snapshots",
		Example: `  # Newest daily snapshots
  kirjuri snapshot list --tenant acme --kind daily

  # Full payload of one snapshot
  kirjuri snapshot show --tenant acme SNAPSHOT_ID -o json

  # Recompute the canonical hash
  kirjuri snapshot verify --tenant acme SNAPSHOT_ID`,
	}

	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotShowCommand())
	cmd.AddCommand(newSnapshotVerifyCommand())
	cmd.AddCommand(newSnapshotReindexCommand())

	return cmd
}

func newSnapshotListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots newest first",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotList,
	}

	addTenantFlag(cmd)
	addKindFlag(cmd, "daily")
	cmd.Flags().Int("page", 0, "page number, starting at 0")
	cmd.Flags().Int("page-size", 20, fmt.Sprintf("snapshots per page (max %d)", ledger.MaxPageSize))

	return cmd
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	kind, err := kindFlag(cmd)
	if err != nil {
		return err
	}
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")

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
	result, err := store.ListSnapshots(cmd.Context(), tenant, kind, page, pageSize)
	if err != nil {
		return ledgerError(err)
	}
	return f.FormatSnapshotPage(result, cmd.OutOrStdout())
}

func newSnapshotShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show SNAPSHOT_ID",
		Short: "Show one snapshot",
		Long: `Show one snapshot. The table view summarizes datasets and coverage;
use -o json or -o yaml for the full payload.`,
		Args: cobra.ExactArgs(1),
		RunE: runSnapshotShow,
	}

	addTenantFlag(cmd)

	return cmd
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
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
	snap, err := store.GetSnapshot(cmd.Context(), tenant, args[0])
	if err != nil {
		return ledgerError(err)
	}
	return f.FormatSnapshot(snap, cmd.OutOrStdout())
}

func newSnapshotVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify SNAPSHOT_ID...",
		Short: "Recompute canonical hashes of stored snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSnapshotVerify,
	}

	addTenantFlag(cmd)

	return cmd
}

func runSnapshotVerify(cmd *cobra.Command, args []string) error {
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

	var mismatched []string
	for _, id := range args {
		result, err := store.VerifySnapshot(cmd.Context(), id)
		if err != nil {
			return ledgerError(err)
		}
		if err := f.FormatVerify(result, cmd.OutOrStdout()); err != nil {
			return err
		}
		if !result.Valid {
			mismatched = append(mismatched, id)
		}
	}
	if len(mismatched) > 0 {
		return ledgerError(fmt.Errorf("%w: hash mismatch for %v", kirjurierrors.ErrInvalidRecord, mismatched))
	}
	return nil
}

func newSnapshotReindexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the snapshot index from stored records",
		Long: `Reindex lists every stored snapshot of a kind and rewrites the index
pages. It repairs an index left behind by a crash between the snapshot
write and the index update.`,
		Args: cobra.NoArgs,
		RunE: runSnapshotReindex,
	}

	addTenantFlag(cmd)
	addKindFlag(cmd, "")

	return cmd
}

func runSnapshotReindex(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	kinds, err := kindsFlag(cmd)
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
	for _, kind := range kinds {
		n, err := store.RebuildIndex(cmd.Context(), kind)
		if err != nil {
			return ledgerError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d snapshot(s) indexed\n", kind, n)
	}
	return nil
}
