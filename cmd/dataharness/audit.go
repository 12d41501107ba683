package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/dataharness/pkg/broker"
	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/domain"
)

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the broker topics the data service writes to",
	}
	cmd.AddCommand(newAuditTopicsCmd(opts), newAuditTailCmd(opts))
	return cmd
}

func inspector(cfg *config.Config, a *app) (*broker.Inspector, error) {
	if cfg.Broker.ExternalPort == 0 {
		return nil, fmt.Errorf("%w: broker.external_port is not set, enable verify.expose_backends to reach the broker from the host", domain.ErrConfigInvalid)
	}
	return broker.NewInspector([]string{"localhost:" + strconv.Itoa(cfg.Broker.ExternalPort)}, broker.WithLogger(a.logger)), nil
}

func newAuditTopicsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List broker topics and compare them with the expected set",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			in, err := inspector(a.cfg, a)
			if err != nil {
				return err
			}
			topics, err := in.Topics(cmd.Context())
			if err != nil {
				return err
			}

			names := make([]string, 0, len(topics))
			for name := range topics {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tPARTITIONS\tREPLICAS")
			for _, name := range names {
				t := topics[name]
				fmt.Fprintf(w, "%s\t%d\t%d\n", t.Name, t.Partitions, t.Replicas)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return broker.ExpectExactly(topics, a.cfg.Topics())
		}),
	}
}

func newAuditTailCmd(opts *globalOptions) *cobra.Command {
	var (
		replication bool
		fromStart   bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "tail [TOPIC]",
		Short: "Print events from the audit topic as they arrive",
		Long: `Follows the audit topic, or the replication log with --replication, until
interrupted. An explicit topic name overrides both.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			in, err := inspector(a.cfg, a)
			if err != nil {
				return err
			}
			topic := a.cfg.AuditTopic()
			if replication {
				topic = a.cfg.ReplicationTopic()
			}
			if len(args) == 1 {
				topic = args[0]
			}

			out := cmd.OutOrStdout()
			return in.Tail(cmd.Context(), topic, broker.TailOptions{FromStart: fromStart, Limit: limit}, func(ev broker.Event) error {
				return writeEvent(out, ev)
			})
		}),
	}
	cmd.Flags().BoolVar(&replication, "replication", false, "Follow the replication log instead of the audit topic")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Start at the oldest retained event")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many events (0 for no limit)")
	return cmd
}

// writeEvent prints one event per line. JSON payloads are compacted so a
// line stays a complete record.
func writeEvent(w io.Writer, ev broker.Event) error {
	value := ev.Value
	var compact bytes.Buffer
	if json.Valid(value) && json.Compact(&compact, value) == nil {
		value = compact.Bytes()
	}
	_, err := fmt.Fprintf(w, "%s %s/%d@%d %s\n", ev.Time.UTC().Format(time.RFC3339Nano), ev.Topic, ev.Partition, ev.Offset, value)
	return err
}
