package relbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

// DefaultKafkaTopic is the topic used for release events unless the
// caller picks another one.
const DefaultKafkaTopic = "waitlock-released"

// KafkaBus implements Bus using a Kafka backend. All release events
// flow through a single topic.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer
	topic    string

	mu        sync.Mutex
	subs      []chan Release
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
// An empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{producer: producer, consumer: consumer, pc: pc, topic: topic}
	go b.dispatch()
	return b, nil
}

func (b *KafkaBus) dispatch() {
	for msg := range b.pc.Messages() {
		var p payload
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			continue
		}
		b.mu.Lock()
		subs := append([]chan Release(nil), b.subs...)
		b.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- p.Release:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// BroadcastRelease implements Bus.BroadcastRelease.
func (b *KafkaBus) BroadcastRelease(ctx context.Context, name, key string) error {
	data, err := json.Marshal(payload{ID: uuid.NewString(), Release: Release{Name: name, Key: key}})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: b.topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Releases implements Bus.Releases.
func (b *KafkaBus) Releases(ctx context.Context) (<-chan Release, error) {
	ch := make(chan Release, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch <-chan Release) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Close releases the Kafka producer and consumer.
func (b *KafkaBus) Close() error {
	_ = b.pc.Close()
	err := b.producer.Close()
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	return err
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
