package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every release notification; the bus topic is
// the message key.
const DefaultKafkaTopic = "warden-releases"

// KafkaBus implements Bus on a single Kafka topic. Partition consumers start
// on the first Subscribe and read from the newest offset, so only releases
// published while subscribed are seen.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pcs       []sarama.PartitionConsumer
	wg        sync.WaitGroup
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus connects to brokers and returns a KafkaBus publishing on
// topic; an empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	return NewKafkaBusFrom(producer, consumer, topic), nil
}

// NewKafkaBusFrom returns a KafkaBus on an existing producer and consumer,
// which the bus owns from then on.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pcs == nil {
		if err := b.start(); err != nil {
			return nil, err
		}
	}
	ch := make(chan struct{}, 1)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch, nil
}

// start opens one partition consumer per partition. b.mu must be held.
func (b *KafkaBus) start() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, opened := range pcs {
				_ = opened.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.mu.Lock()
		chans := append([]chan struct{}(nil), b.subs[string(msg.Key)]...)
		b.mu.Unlock()
		fanout(chans, &b.delivered)
	}
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers keep running
// until Close.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
		return nil
	}
	b.subs[topic] = subs
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close stops the partition consumers and closes the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pcs := b.pcs
	b.pcs = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
