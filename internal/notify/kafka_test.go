package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlens/trustlens/internal/config"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestKafkaSinkForwards(t *testing.T) {
	n := NewNotifier(16)
	w := &fakeWriter{}
	sink := newKafkaSinkWithWriter(n, w, "trustlens.aggregates")
	require.NoError(t, sink.Start(context.Background()))

	n.Publish(Notification{Type: AggregateUpdated, Date: 20500, EventID: "e1", Total: 7})

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	msg := w.msgs[0]
	w.mu.Unlock()
	assert.Equal(t, "2026-02-16", string(msg.Key))

	var got Notification
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, AggregateUpdated, got.Type)
	assert.Equal(t, int64(7), got.Total)

	require.NoError(t, sink.Stop())
	assert.True(t, w.closed)
	sent, failed := sink.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestKafkaSinkCountsFailures(t *testing.T) {
	n := NewNotifier(16)
	w := &fakeWriter{fail: true}
	sink := newKafkaSinkWithWriter(n, w, "t")
	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop()

	n.Publish(Notification{Type: DayEvicted})
	require.Eventually(t, func() bool {
		_, failed := sink.Stats()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKafkaSinkStartTwice(t *testing.T) {
	sink := newKafkaSinkWithWriter(NewNotifier(1), &fakeWriter{}, "t")
	require.NoError(t, sink.Start(context.Background()))
	assert.Error(t, sink.Start(context.Background()))
	require.NoError(t, sink.Stop())
	require.NoError(t, sink.Stop(), "stop is idempotent")
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(NewNotifier(1), config.KafkaConfig{Brokers: []string{"k:9092"}})
	assert.Error(t, err)
	_, err = NewKafkaSink(NewNotifier(1), config.KafkaConfig{Topic: "t"})
	assert.Error(t, err)

	sink, err := NewKafkaSink(NewNotifier(1), config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NotNil(t, sink)
}
