package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/harness"
)

func newRenderCmd(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Write the compose file and the files it mounts",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			if !watch {
				h, err := a.harness()
				if err != nil {
					return err
				}
				path, err := h.Render()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}

			if opts.configPath == "" {
				return fmt.Errorf("--watch needs --config")
			}
			provider, err := config.NewFileProvider(opts.configPath, a.logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			updates := provider.Subscribe()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case cfg, ok := <-updates:
					if !ok {
						return nil
					}
					opts.applyLogging(cfg)
					h, err := harness.New(cfg, harness.WithLogger(a.logger))
					if err != nil {
						a.logger.Error("Configuration rejected", "error", err)
						continue
					}
					path, err := h.Render()
					if err != nil {
						a.logger.Error("Render failed", "error", err)
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), path)
				}
			}
		}),
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-render whenever the configuration file changes")
	return cmd
}

func newKeysCmd(opts *globalOptions) *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Show the key material, generating it on first use",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			m, err := h.Material()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "DIR\t%s\n", a.cfg.KeyDir())
			fmt.Fprintf(w, "CURVE\t%s\n", a.cfg.JWT.Curve)
			fmt.Fprintf(w, "PUBLIC_KEY\t%s\n", m.PublicKeyBase64())
			if showSecrets {
				fmt.Fprintf(w, "PRIVATE_KEY\t%s\n", m.PrivateKeyBase64())
				fmt.Fprintf(w, "API_KEY\t%s\n", m.APIKey)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Also print the private key and API key")
	return cmd
}

func newUpCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the topology and wait until every service is ready",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			events, err := h.Up(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tLAYER\tREADY AFTER\tATTEMPTS")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", ev.Service, ev.Layer, ev.Elapsed.Round(10*time.Millisecond), ev.Attempts)
			}
			if flushErr := w.Flush(); flushErr != nil && err == nil {
				err = flushErr
			}
			return err
		}),
	}
}

func newDownCmd(opts *globalOptions) *cobra.Command {
	var volumes bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the topology",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			return h.Down(cmd.Context(), volumes)
		}),
	}
	cmd.Flags().BoolVarP(&volumes, "volumes", "v", false, "Also remove volumes")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show container state and readiness of every service",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			statuses, err := h.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), format, statuses)
		}),
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

func writeStatus(out io.Writer, format string, statuses []harness.ServiceStatus) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tREADY\tPORTS\tDETAIL")
	for _, st := range statuses {
		ready := "no"
		if st.Ready {
			ready = "yes"
		}
		ports := st.Ports
		if ports == "" {
			ports = "-"
		}
		detail := st.Detail
		if len(st.Blocks) > 0 {
			detail = strings.TrimSpace(detail + " blocks " + strings.Join(st.Blocks, ","))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Service, st.State, ready, ports, detail)
	}
	return w.Flush()
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs SERVICE",
		Short: "Print the output of one service",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			h, err := a.harness()
			if err != nil {
				return err
			}
			t, err := h.Topology()
			if err != nil {
				return err
			}
			if _, err := t.Service(args[0]); err != nil {
				return err
			}
			return h.Runner().Logs(cmd.Context(), cmd.OutOrStdout(), args[0], tail)
		}),
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of lines from the end (0 for all)")
	return cmd
}
