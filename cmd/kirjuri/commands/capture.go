package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/yairfalse/kirjuri/internal/capture"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/pkg/types"
	"gopkg.in/yaml.v3"
)

func newCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture one snapshot for a tenant window",
		Long: `Capture reads every dataset of the kind's plan from the source,
stores the canonical snapshot, trims retention, and records drift against
the previous snapshot of the same kind.

A window is captured at most once: a second capture for the same tenant,
kind and window is skipped without reading the source.`,
		Example: `  # Daily capture for the current window
  kirjuri capture --tenant acme --cloud-scope 1a2b3c --kind daily

  # Replay recorded responses instead of calling the source
  kirjuri capture --tenant acme --cloud-scope 1a2b3c --fixtures ./fixtures

  # Second retry of a failed weekly window, exposing metrics while it runs
  kirjuri capture -t acme --cloud-scope 1a2b3c -k weekly --attempt 2 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: runCapture,
	}

	addTenantFlag(cmd)
	addKindFlag(cmd, string(types.KindDaily))
	cmd.Flags().String("cloud-scope", "", "cloud scope id of the source site (required)")
	cmd.Flags().String("scheduled-for", "", "time the scheduler fired (default now)")
	cmd.Flags().Int("attempt", 0, "earlier failed attempts of this window")
	cmd.Flags().String("fixtures", "", "read datasets from recorded JSON files in this directory")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while capturing (default metrics.addr)")
	cmd.MarkFlagRequired("cloud-scope")

	cmd.AddCommand(newCaptureBatchCommand())

	return cmd
}

func newCaptureBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Capture one window for many tenants",
		Long: `Batch captures the same kind and window for every target in a YAML
file, running up to --workers captures at once. Each target is gated on
its own, so targets already captured in this window are skipped.

The targets file is a list:

  - tenant_id: acme
    cloud_scope_id: 1a2b3c
  - tenant_id: globex
    cloud_scope_id: 4d5e6f`,
		Args: cobra.NoArgs,
		RunE: runCaptureBatch,
	}

	addKindFlag(cmd, string(types.KindDaily))
	cmd.Flags().StringP("targets", "f", "", "YAML file listing tenant_id and cloud_scope_id (required)")
	cmd.Flags().Int("workers", 4, "captures running at once")
	cmd.Flags().String("scheduled-for", "", "time the scheduler fired (default now)")
	cmd.Flags().String("fixtures", "", "read datasets from recorded JSON files in this directory")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while capturing (default metrics.addr)")
	cmd.MarkFlagRequired("targets")

	return cmd
}

func runCapture(cmd *cobra.Command, args []string) error {
	tenant, err := tenantFlag(cmd)
	if err != nil {
		return err
	}
	kind, err := kindFlag(cmd)
	if err != nil {
		return err
	}
	scope, _ := cmd.Flags().GetString("cloud-scope")
	attempt, _ := cmd.Flags().GetInt("attempt")
	scheduledFor, err := scheduledForFlag(cmd)
	if err != nil {
		return err
	}

	f, err := newFormatter(cmd)
	if err != nil {
		return err
	}
	orch, done, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer done()

	result, err := orch.RunAttempt(cmd.Context(), capture.Request{
		TenantID:     tenant,
		CloudScopeID: scope,
		Kind:         kind,
		ScheduledFor: scheduledFor,
		Attempt:      attempt,
	})
	if err != nil {
		return ledgerError(err)
	}

	if err := f.FormatCaptureResult(result, cmd.OutOrStdout()); err != nil {
		return err
	}
	if result.Status == types.RunPartial {
		kirjurierrors.DisplayWarning(cmd.ErrOrStderr(), fmt.Sprintf("capture is partial, %d dataset(s) not captured", len(result.MissingData)))
	}
	return captureOutcome(scope, result)
}

func runCaptureBatch(cmd *cobra.Command, args []string) error {
	kind, err := kindFlag(cmd)
	if err != nil {
		return err
	}
	scheduledFor, err := scheduledForFlag(cmd)
	if err != nil {
		return err
	}
	workers, _ := cmd.Flags().GetInt("workers")
	path, _ := cmd.Flags().GetString("targets")
	targets, err := readTargets(path)
	if err != nil {
		return err
	}

	f, err := newFormatter(cmd)
	if err != nil {
		return err
	}
	orch, done, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer done()

	results := orch.RunBatch(cmd.Context(), targets, kind, scheduledFor, workers)
	if err := f.FormatBatch(results, cmd.OutOrStdout()); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil || r.Result.Status == types.RunFailed {
			failed++
		}
	}
	if failed > 0 {
		return kirjurierrors.New(kirjurierrors.ErrorTypeSource, kirjurierrors.ComponentCapture,
			fmt.Sprintf("%d of %d captures failed", failed, len(results)))
	}
	return nil
}

func readTargets(path string) ([]capture.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentConfig, "Cannot read targets file").Wrap(err)
	}
	var targets []capture.Target
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentConfig, "Invalid targets file").Wrap(err)
	}
	for i, t := range targets {
		if t.TenantID == "" || t.CloudScopeID == "" {
			return nil, kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentConfig,
				fmt.Sprintf("Target %d needs tenant_id and cloud_scope_id", i+1))
		}
	}
	return targets, nil
}

func scheduledForFlag(cmd *cobra.Command) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("scheduled-for")
	scheduledFor, err := parseTime(raw, time.Now())
	if err != nil {
		return time.Time{}, kirjurierrors.New(kirjurierrors.ErrorTypeValidation, kirjurierrors.ComponentCapture, "Invalid --scheduled-for").Wrap(err)
	}
	return scheduledFor, nil
}

// openOrchestrator opens the app, starts the metrics endpoint when asked,
// and returns a function releasing both
func openOrchestrator(cmd *cobra.Command) (*capture.Orchestrator, func(), error) {
	if fixtures, _ := cmd.Flags().GetString("fixtures"); fixtures != "" {
		cfg.Source.Type = "fixture"
		cfg.Source.FixtureDir = fixtures
	}
	a, err := openApp(cmd)
	if err != nil {
		return nil, nil, err
	}

	stop := func() {}
	addr := cfg.Metrics.Addr
	if cmd.Flags().Changed("metrics-addr") {
		addr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if addr != "" {
		stop, err = serveMetrics(addr, a.Registry(), log)
		if err != nil {
			a.Close()
			return nil, nil, err
		}
	}

	orch, err := a.Orchestrator(nil)
	if err != nil {
		stop()
		a.Close()
		return nil, nil, kirjurierrors.ConfigurationError("Failed to set up capture", err)
	}
	return orch, func() {
		stop()
		a.Close()
	}, nil
}

// captureOutcome turns a failed run into a non-zero exit for the scheduler
func captureOutcome(scope string, result *capture.Result) error {
	if result.Status != types.RunFailed {
		return nil
	}
	cause := fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorDetail)
	if kirjurierrors.ErrorCode(result.ErrorCode) == kirjurierrors.CodePermissionRevoked {
		return kirjurierrors.SourcePermissionError(scope, cause)
	}
	err := kirjurierrors.New(kirjurierrors.ErrorTypeSource, kirjurierrors.ComponentCapture, "Capture failed").Wrap(cause)
	if result.NextAttemptAt != nil {
		err.WithCause(fmt.Sprintf("Retry scheduled for %s", result.NextAttemptAt.Format(time.RFC3339)))
	}
	return err
}

// serveMetrics exposes reg until the returned stop function is called
func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, kirjurierrors.ConfigurationError("Cannot listen on --metrics-addr", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", err)
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("metrics server shutdown", err)
		}
	}, nil
}
