// Package notify provides the in-process change-notification bus. Dashboards
// and sinks subscribe; the engine publishes after aggregates change.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustlens/trustlens/pkg/types"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	AggregateUpdated NotificationType = "aggregate_updated"
	DayEvicted       NotificationType = "day_evicted"
	CheckpointSaved  NotificationType = "checkpoint_saved"
)

// Notification describes one change to the aggregates.
type Notification struct {
	Type      NotificationType `json:"type"`
	Date      types.Date       `json:"date"`
	EventID   types.EventID    `json:"event_id,omitempty"`
	Action    types.Action     `json:"action,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Total     int64            `json:"total_evaluations"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier is an in-process pub/sub bus. Publishing never blocks.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID    string
	Types []NotificationType
	Ch    chan Notification

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Dropped returns how many notifications were dropped on a full buffer.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now().UTC()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if !sub.wants(notif.Type) {
			return true
		}
		sub.offer(notif)
		return true
	})
}

// Subscribe registers a subscriber for the given types (all types when
// none are given) under a generated id.
func (n *Notifier) Subscribe(kinds ...NotificationType) *Subscriber {
	sub := &Subscriber{
		ID:    "sub_" + uuid.NewString(),
		Types: kinds,
		Ch:    make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		sub.mu.Lock()
		sub.closed = true
		close(sub.Ch)
		sub.mu.Unlock()
	}
}

// Close unsubscribes everyone.
func (n *Notifier) Close() error {
	n.subscribers.Range(func(key, _ interface{}) bool {
		n.Unsubscribe(key.(string))
		return true
	})
	return nil
}

func (s *Subscriber) wants(t NotificationType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, k := range s.Types {
		if k == t {
			return true
		}
	}
	return false
}

func (s *Subscriber) offer(notif Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.Ch <- notif:
	default:
		s.dropped++
	}
}
