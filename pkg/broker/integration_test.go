package broker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func startKafka(t *testing.T) []string {
	t.Helper()
	if testing.Short() || os.Getenv("DATAHARNESS_INTEGRATION") != "1" {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	container, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("dataharness"))
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}
	return brokers
}

func createTopics(t *testing.T, broker string, topics ...string) {
	t.Helper()
	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	}
	require.NoError(t, cc.CreateTopics(configs...))
}

func TestIntegration_TopicsAndTail(t *testing.T) {
	brokers := startKafka(t)
	createTopics(t, brokers[0], "world-audit", "world-replicationlog")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	insp := NewInspector(brokers, WithLogger(quietLogger()))
	require.Eventually(t, func() bool {
		topics, err := insp.Topics(ctx)
		return err == nil && ExpectExactly(topics, expectedTopics()) == nil
	}, 30*time.Second, 500*time.Millisecond)

	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: "world-audit", AllowAutoTopicCreation: false}
	require.NoError(t, w.WriteMessages(ctx, kafka.Message{Value: []byte(`{"action":"C"}`)}))
	require.NoError(t, w.Close())

	var got []Event
	err := insp.Tail(ctx, "world-audit", TailOptions{FromStart: true, Limit: 1}, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"action":"C"}`, string(got[0].Value))
}
