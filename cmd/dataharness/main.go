// Package main is the entry point for the dataharness binary.
// It renders, starts and verifies the local data service topology.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/harness"
	"github.com/polisai/dataharness/pkg/logging"
	"github.com/polisai/dataharness/pkg/telemetry"
)

const defaultEnvFile = ".env"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
	pretty     bool
}

// app is the per-invocation state built from the global options.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newRootCmd creates the root command for dataharness
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "dataharness",
		Short: "Local test harness for the data service topology",
		Long: `Renders a compose project with the data service, its authentication
service, a document store and a broker, brings it up in dependency order and
verifies that the composition behaves as expected.

Example:
  dataharness up && dataharness verify`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{defaultEnvFile}, "Env files loaded before configuration overrides")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human readable log output")

	rootCmd.AddCommand(
		newRenderCmd(opts),
		newKeysCmd(opts),
		newUpCmd(opts),
		newDownCmd(opts),
		newStatusCmd(opts),
		newLogsCmd(opts),
		newVerifyCmd(opts),
		newMonitorCmd(opts),
		newTokenCmd(opts),
		newDataCmd(opts),
		newAuditCmd(opts),
	)
	return rootCmd
}

// loadConfig reads env files and the configuration file, then applies the
// logging flags on top.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(o.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	o.applyLogging(cfg)
	return cfg, nil
}

func (o *globalOptions) applyLogging(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.pretty {
		cfg.Logging.Pretty = true
	}
}

// setup loads configuration and initialises logging and tracing. Logs go to
// stderr so command output on stdout stays machine readable.
func (o *globalOptions) setup(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	shutdown, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		ResourceTags: map[string]string{
			"dataharness.project":   cfg.Project,
			"dataharness.namespace": cfg.Namespace,
		},
	})
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}

	return &app{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Pretty,
		Output: w,
	})
}

func (a *app) close() {
	if err := a.shutdown(context.Background()); err != nil {
		a.logger.Warn("Failed to flush traces", "error", err)
	}
}

func (a *app) harness(opts ...harness.Option) (*harness.Harness, error) {
	return harness.New(a.cfg, append([]harness.Option{harness.WithLogger(a.logger)}, opts...)...)
}

// withApp wraps a RunE body with setup and teardown of the app.
func withApp(opts *globalOptions, run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := opts.setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args, a)
	}
}
