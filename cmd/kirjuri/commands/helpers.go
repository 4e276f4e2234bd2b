package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/kirjuri/internal/app"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/output"
	"github.com/yairfalse/kirjuri/pkg/types"
)

// openApp opens the configured storage and collaborators
func openApp(cmd *cobra.Command) (*app.App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kirjurierrors.ConfigurationError("Invalid configuration", err)
	}
	a, err := app.New(cmd.Context(), cfg, buildInfo(), log)
	if err != nil {
		return nil, kirjurierrors.StorageBackendError(cfg.Storage.Backend, err)
	}
	return a, nil
}

// newFormatter picks the output format; color is off unless stdout is a terminal
func newFormatter(cmd *cobra.Command) (output.Formatter, error) {
	noColor := cfg.Output.NoColor || !output.IsTerminal(cmd.OutOrStdout())
	f, err := output.NewFormatter(cfg.Output.Format, noColor)
	if err != nil {
		return nil, kirjurierrors.ConfigurationError("Invalid output format", err)
	}
	return f, nil
}

func addTenantFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("tenant", "t", "", "tenant id (required)")
	cmd.MarkFlagRequired("tenant")
}

func addKindFlag(cmd *cobra.Command, def string) {
	cmd.Flags().StringP("kind", "k", def, "snapshot kind (daily, weekly)")
}

func tenantFlag(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if strings.TrimSpace(tenant) == "" {
		return "", kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "A tenant id is required").
			WithSolutions("Pass --tenant TENANT_ID")
	}
	return tenant, nil
}

// kindsFlag returns the requested kind, or every kind when the flag is empty
func kindsFlag(cmd *cobra.Command) ([]types.SnapshotKind, error) {
	raw, _ := cmd.Flags().GetString("kind")
	if raw == "" {
		return types.Kinds(), nil
	}
	kind, err := types.ParseSnapshotKind(raw)
	if err != nil {
		return nil, kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "Invalid snapshot kind").Wrap(err)
	}
	return []types.SnapshotKind{kind}, nil
}

func kindFlag(cmd *cobra.Command) (types.SnapshotKind, error) {
	kinds, err := kindsFlag(cmd)
	if err != nil {
		return "", err
	}
	if len(kinds) != 1 {
		return "", kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentLedger, "A snapshot kind is required").
			WithSolutions("Pass --kind daily or --kind weekly")
	}
	return kinds[0], nil
}

// parseTime accepts RFC3339, a date, or a lookback such as 36h or 7d
func parseTime(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err == nil && days >= 0 {
			return now.AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339, YYYY-MM-DD, or a lookback like 36h or 7d)", value)
}

// ledgerError keeps already explained errors and explains ledger ones
func ledgerError(err error) error {
	var kErr *kirjurierrors.KirjuriError
	if errors.As(err, &kErr) {
		return err
	}
	return kirjurierrors.LedgerError(err)
}
