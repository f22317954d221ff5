package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trustlens/trustlens/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards notifications to a Kafka topic as JSON, keyed by day.
type KafkaSink struct {
	notifier *Notifier
	writer   messageWriter
	topic    string
	timeout  time.Duration

	sub     *Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	sent    uint64
	failed  uint64
	started bool
}

// NewKafkaSink creates a sink writing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(notifier *Notifier, cfg config.KafkaConfig) (*KafkaSink, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("notify: kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one kafka broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	return newKafkaSinkWithWriter(notifier, writer, cfg.Topic), nil
}

func newKafkaSinkWithWriter(notifier *Notifier, writer messageWriter, topic string) *KafkaSink {
	return &KafkaSink{
		notifier: notifier,
		writer:   writer,
		topic:    topic,
		timeout:  5 * time.Second,
	}
}

// Start subscribes to the notifier and forwards until Stop.
func (k *KafkaSink) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return errors.New("notify: kafka sink already started")
	}
	k.started = true

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.sub = k.notifier.Subscribe()

	k.wg.Add(1)
	go k.run(runCtx, k.sub)
	log.Printf("notify: forwarding notifications to kafka topic %s", k.topic)
	return nil
}

func (k *KafkaSink) run(ctx context.Context, sub *Subscriber) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-sub.Ch:
			if !ok {
				return
			}
			k.forward(ctx, notif)
		}
	}
}

func (k *KafkaSink) forward(ctx context.Context, notif Notification) {
	value, err := json.Marshal(notif)
	if err != nil {
		log.Printf("notify: failed to encode notification: %v", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(notif.Date.String()),
		Value: value,
		Time:  notif.Timestamp,
	})

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		k.failed++
		log.Printf("notify: kafka write failed (%s): %v", notif.Type, err)
		return
	}
	k.sent++
}

// Stats returns the number of forwarded and failed notifications.
func (k *KafkaSink) Stats() (sent, failed uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sent, k.failed
}

// Stop unsubscribes, waits for the forwarder and closes the writer.
func (k *KafkaSink) Stop() error {
	k.mu.Lock()
	started := k.started
	k.started = false
	k.mu.Unlock()
	if !started {
		return nil
	}

	k.notifier.Unsubscribe(k.sub.ID)
	k.cancel()
	k.wg.Wait()
	return k.writer.Close()
}
