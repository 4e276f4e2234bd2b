package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/pkg/types"
	"gopkg.in/yaml.v3"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-tenant retention policies",
		Long: `A tenant's retention policy is stored in the ledger and read fresh by
every capture. Tenants without a stored policy use the retention defaults
from the configuration file.`,
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the policy in effect for a tenant",
		Args:  cobra.NoArgs,
		RunE:  runPolicyShow,
	}
	addTenantFlag(show)

	set := &cobra.Command{
		Use:   "set",
		Short: "Store a retention policy for a tenant",
		Example: `  # From a file
  kirjuri policy set --tenant acme --file retention.yaml

  # Override single values of the policy in effect
  kirjuri policy set --tenant acme --max-records 30 --drift-max-age-days 730`,
		Args: cobra.NoArgs,
		RunE: runPolicySet,
	}
	addTenantFlag(set)
	set.Flags().StringP("file", "f", "", "YAML file with the policy")
	set.Flags().Int("max-age-days", 0, "delete snapshots older than this")
	set.Flags().Int("max-records", 0, "keep at most this many snapshots per kind")
	set.Flags().Int("drift-max-age-days", 0, "delete drift events older than this")

	cmd.AddCommand(show, set)
	return cmd
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
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
	policy, err := store.ResolveRetentionPolicy(cmd.Context(), a.Config().RetentionPolicy(tenant))
	if err != nil {
		return ledgerError(err)
	}
	return f.FormatPolicy(policy, cmd.OutOrStdout())
}

func runPolicySet(cmd *cobra.Command, args []string) error {
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
	current, err := store.ResolveRetentionPolicy(cmd.Context(), a.Config().RetentionPolicy(tenant))
	if err != nil {
		return ledgerError(err)
	}

	policy := *current
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		if err := readPolicyFile(path, &policy); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("max-age-days") {
		policy.MaxAgeDays, _ = flags.GetInt("max-age-days")
	}
	if flags.Changed("max-records") {
		policy.MaxRecordsPerKind, _ = flags.GetInt("max-records")
	}
	if flags.Changed("drift-max-age-days") {
		policy.DriftMaxAgeDays, _ = flags.GetInt("drift-max-age-days")
	}
	policy.TenantID = tenant
	policy.UpdatedAt = time.Now().UTC()

	if err := policy.Validate(); err != nil {
		return kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "Invalid retention policy").Wrap(err).
			WithSolutions("kirjuri policy show --tenant " + tenant)
	}
	if err := store.PutRetentionPolicy(cmd.Context(), policy); err != nil {
		return ledgerError(err)
	}
	log.WithField("tenant_id", tenant).Info("retention policy stored")
	if err := f.FormatPolicy(&policy, cmd.OutOrStdout()); err != nil {
		return err
	}
	kirjurierrors.DisplaySuccess(cmd.ErrOrStderr(), fmt.Sprintf("retention policy stored for tenant %s", tenant))
	return nil
}

// readPolicyFile overlays the fields present in a YAML file onto policy
func readPolicyFile(path string, policy *types.RetentionPolicy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentConfig, "Cannot read policy file").Wrap(err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentConfig, "Invalid policy file").Wrap(err)
	}
	return nil
}
