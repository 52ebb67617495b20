package relbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("WAITLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("WAITLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("TestKafkaBus: using real Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, "waitlock-test-"+uuid.NewString(), config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus, ctx
}

func TestKafkaBusBroadcastReleaseFlowAndMetrics(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	ch, err := bus.Releases(ctx)
	if err != nil {
		t.Fatalf("releases: %v", err)
	}
	if err := bus.BroadcastRelease(ctx, "jobs", "backfill"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Name != "jobs" || evt.Key != "backfill" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for release event")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
}
