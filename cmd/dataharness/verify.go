package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/gate"
	"github.com/polisai/dataharness/pkg/harness"
	"github.com/polisai/dataharness/pkg/verify"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the running topology and print the report",
		Long: `Runs every verification check against the running topology and asks the
gate policy for a verdict. The command fails when the gate denies.`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			report, decision, verr := h.Verify(cmd.Context())
			if report == nil {
				return verr
			}
			if err := writeReport(cmd.OutOrStdout(), format, report, decision); err != nil {
				return err
			}
			return verr
		}),
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

// gatedReport is the JSON document printed by verify and served by monitor.
type gatedReport struct {
	*verify.Report
	Gate gate.Decision `json:"gate"`
}

func writeReport(out io.Writer, format string, report *verify.Report, decision gate.Decision) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(gatedReport{Report: report, Gate: decision})
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if err := verify.WriteText(out, report); err != nil {
		return err
	}
	verdict := "deny"
	if decision.Allow {
		verdict = "allow"
	}
	fmt.Fprintf(out, "gate: %s\n", verdict)
	for _, r := range decision.Reasons {
		fmt.Fprintf(out, "  - %s\n", r)
	}
	return nil
}

// monitorState holds the outcome of the most recent verification run.
type monitorState struct {
	mu       sync.RWMutex
	report   *verify.Report
	decision gate.Decision
	err      error
}

func (s *monitorState) set(report *verify.Report, decision gate.Decision, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = report
	s.decision = decision
	s.err = err
}

func (s *monitorState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.report == nil && s.err == nil:
		http.Error(w, "no verification run yet", http.StatusServiceUnavailable)
	case s.err != nil:
		http.Error(w, s.err.Error(), http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	}
}

func (s *monitorState) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.report == nil {
		http.Error(w, "no verification run yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gatedReport{Report: s.report, Gate: s.decision})
}

// newMonitorMux serves the verification metrics and the latest verdict.
func newMonitorMux(metrics *verify.Metrics, state *monitorState) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", state.handleHealth)
	mux.HandleFunc("/report", state.handleReport)
	return metrics.MetricsMiddleware(mux)
}

func newMonitorCmd(opts *globalOptions) *cobra.Command {
	var (
		interval  time.Duration
		listen    string
		ephemeral bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Verify the topology on an interval and serve the results",
		Long: `Repeats verification every interval and serves Prometheus metrics on
/metrics, the last verdict on /healthz and the last report on /report. With
--config the file is watched and changes apply to the next run.

The ephemeral check recreates the document store and loses its data, so it
only runs here with --ephemeral.`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			ctx := cmd.Context()
			metrics := verify.NewMetrics()
			state := &monitorState{}

			var reloads <-chan *config.Config
			if opts.configPath != "" {
				provider, err := config.NewFileProvider(opts.configPath, a.logger)
				if err != nil {
					return err
				}
				defer provider.Close()
				reloads = provider.Subscribe()
				// The first delivery is the configuration already loaded.
				<-reloads
			}

			h, err := monitorHarness(a.cfg, ephemeral, a.logger, metrics)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           newMonitorMux(metrics, state),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Serving monitor endpoints", "addr", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("Error during shutdown", "error", err)
				}
			}()

			runOnce(ctx, h, state, a.logger)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					a.logger.Info("Monitor stopped")
					return nil
				case err := <-errCh:
					return fmt.Errorf("monitor server failed: %w", err)
				case cfg, ok := <-reloads:
					if !ok {
						reloads = nil
						continue
					}
					opts.applyLogging(cfg)
					next, err := monitorHarness(cfg, ephemeral, a.logger, metrics)
					if err != nil {
						a.logger.Error("Configuration rejected, keeping previous", "error", err)
						continue
					}
					h = next
					a.logger.Info("Configuration reloaded")
				case <-ticker.C:
					runOnce(ctx, h, state, a.logger)
				}
			}
		}),
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Minute, "Time between verification runs")
	cmd.Flags().StringVar(&listen, "listen", ":9464", "Address for the metrics and health endpoints")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Also run the ephemeral check, which wipes the document store every interval")
	return cmd
}

// monitorHarness builds the harness for repeated runs. Unless ephemeral is
// set the ephemeral check is skipped on a copy of cfg.
func monitorHarness(cfg *config.Config, ephemeral bool, logger *slog.Logger, metrics *verify.Metrics) (*harness.Harness, error) {
	if !ephemeral && !slices.Contains(cfg.Verify.Skip, verify.CheckEphemeral) {
		copied := *cfg
		copied.Verify.Skip = append(slices.Clone(cfg.Verify.Skip), verify.CheckEphemeral)
		cfg = &copied
	}
	return harness.New(cfg, harness.WithLogger(logger), harness.WithMetrics(metrics))
}

func runOnce(ctx context.Context, h *harness.Harness, state *monitorState, logger *slog.Logger) {
	report, decision, err := h.Verify(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	state.set(report, decision, err)

	if err != nil {
		logger.Warn("Verification failed", "error", err)
		return
	}
	logger.Info("Verification passed", "run_id", report.RunID, "checks", strings.Join(checkNames(report), ","))
}

func checkNames(report *verify.Report) []string {
	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	return names
}
