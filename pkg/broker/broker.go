// Package broker inspects the message broker of a running topology: the
// topics it created at bootstrap and the events flowing through them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/polisai/dataharness/pkg/domain"
)

// TopicInfo is the observed layout of one topic.
type TopicInfo struct {
	Name       string
	Partitions int
	Replicas   int
}

// Spec returns the layout as a topic spec.
func (t TopicInfo) Spec() domain.TopicSpec {
	return domain.TopicSpec{Name: t.Name, Partitions: t.Partitions, Replicas: t.Replicas}
}

// PartitionSource lists every partition the broker knows about.
type PartitionSource interface {
	ReadPartitions(ctx context.Context) ([]kafka.Partition, error)
}

// dialSource reads partition metadata over a fresh connection to the first
// reachable broker.
type dialSource struct {
	brokers []string
	dialer  *kafka.Dialer
}

func (d dialSource) ReadPartitions(ctx context.Context) ([]kafka.Partition, error) {
	var errs []error
	for _, addr := range d.brokers {
		conn, err := d.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to dial %s: %w", addr, err))
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		partitions, err := conn.ReadPartitions()
		_ = conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read partitions from %s: %w", addr, err))
			continue
		}
		return partitions, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no broker address", domain.ErrConfigInvalid)
	}
	return nil, errors.Join(errs...)
}

// Inspector reads topic metadata from the broker.
type Inspector struct {
	brokers  []string
	source   PartitionSource
	internal bool
	logger   *slog.Logger
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithPartitionSource replaces the broker connection.
func WithPartitionSource(src PartitionSource) Option {
	return func(i *Inspector) {
		i.source = src
	}
}

// WithInternalTopics keeps broker-internal topics such as __consumer_offsets.
func WithInternalTopics() Option {
	return func(i *Inspector) {
		i.internal = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Inspector) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInspector creates an inspector for the given bootstrap addresses.
func NewInspector(brokers []string, opts ...Option) *Inspector {
	i := &Inspector{
		brokers: brokers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.source == nil {
		i.source = dialSource{
			brokers: brokers,
			dialer:  &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true},
		}
	}
	return i
}

// Topics returns every non-internal topic keyed by name.
func (i *Inspector) Topics(ctx context.Context) (map[string]TopicInfo, error) {
	partitions, err := i.source.ReadPartitions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]map[int]bool)
	topics := make(map[string]TopicInfo)
	for _, p := range partitions {
		if !i.internal && strings.HasPrefix(p.Topic, "__") {
			continue
		}
		if seen[p.Topic] == nil {
			seen[p.Topic] = make(map[int]bool)
		}
		info := topics[p.Topic]
		info.Name = p.Topic
		if !seen[p.Topic][p.ID] {
			seen[p.Topic][p.ID] = true
			info.Partitions++
		}
		if len(p.Replicas) > info.Replicas {
			info.Replicas = len(p.Replicas)
		}
		topics[p.Topic] = info
	}

	i.logger.Debug("Read broker topics", "count", len(topics))
	return topics, nil
}

// ExpectExactly reports ErrTopicMismatch unless actual holds exactly the
// expected topics with the expected layout.
func ExpectExactly(actual map[string]TopicInfo, expected []domain.TopicSpec) error {
	var missing, unexpected, wrong []string
	want := make(map[string]bool, len(expected))
	for _, spec := range expected {
		want[spec.Name] = true
		info, ok := actual[spec.Name]
		if !ok {
			missing = append(missing, spec.Name)
			continue
		}
		if info.Partitions != spec.Partitions || info.Replicas != spec.Replicas {
			wrong = append(wrong, fmt.Sprintf("%s is %s, want %s", spec.Name, info.Spec(), spec))
		}
	}
	for name := range actual {
		if !want[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)

	if len(missing)+len(unexpected)+len(wrong) == 0 {
		return nil
	}

	problems := make([]string, 0, len(missing)+len(unexpected)+len(wrong))
	for _, name := range missing {
		problems = append(problems, "missing "+name)
	}
	problems = append(problems, wrong...)
	for _, name := range unexpected {
		problems = append(problems, "unexpected "+name)
	}
	return domain.NewDomainError(domain.ErrTopicMismatch, "topic_mismatch",
		fmt.Sprintf("%s: %s", domain.ErrTopicMismatch, strings.Join(problems, "; ")),
		map[string]any{
			"missing":    missing,
			"unexpected": unexpected,
			"wrong":      wrong,
		})
}
