package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vidflow/internal/logging"
)

// Event names a status change.
type Event string

const (
	EventJobCreated     Event = "job.created"
	EventJobDispatched  Event = "job.dispatched"
	EventJobStarted     Event = "job.started"
	EventStageProgress  Event = "stage.progress"
	EventStageCompleted Event = "stage.completed"
	EventStageFailed    Event = "stage.failed"
	EventJobCompleted   Event = "job.completed"
	EventJobFailed      Event = "job.failed"
	EventJobCancelled   Event = "job.cancelled"
	EventJobRetried     Event = "job.retried"
	EventJobDeleted     Event = "job.deleted"
)

// Topic returns the bus topic for a video.
func Topic(videoID string) string {
	return "video-" + videoID
}

// Message is one published event.
type Message struct {
	Topic     string          `json:"topic"`
	Event     Event           `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       uint64          `json:"seq"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is the event sink the coordinator writes to.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event, payload any) error
}

// Transport carries messages to other processes.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Bus fans messages out to in-process subscribers and an optional transport.
// Delivery is at-most-once: a subscriber whose buffer is full misses the
// message, and nothing is replayed to late subscribers.
type Bus struct {
	id        string
	logger    *slog.Logger
	transport Transport
	buffer    int
	now       func() time.Time

	mu   sync.Mutex
	seq  uint64
	subs map[string]map[*Subscription]struct{}
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithTransport forwards every published message through t.
func WithTransport(t Transport) BusOption {
	return func(b *Bus) { b.transport = t }
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		id:     uuid.NewString(),
		logger: logging.NewComponentLogger(logger, "bus"),
		buffer: 32,
		now:    time.Now,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID identifies this bus as the origin of the messages it publishes.
func (b *Bus) ID() string { return b.id }

// Publish delivers an event to local subscribers of topic and forwards it
// through the transport. Transport failures are logged, not returned.
func (b *Bus) Publish(ctx context.Context, topic string, event Event, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = data
	}
	msg := b.deliver(Message{
		Topic:     topic,
		Event:     event,
		Payload:   raw,
		Origin:    b.id,
		Timestamp: b.now().UTC(),
	})
	if b.transport != nil {
		if err := b.transport.Send(ctx, msg); err != nil {
			logging.WarnWithContext(b.logger, "event transport send failed", "event_send_failed",
				logging.String("topic", topic),
				logging.String("event", string(event)),
				logging.Error(err),
				logging.String(logging.FieldImpact, "remote subscribers miss this event"),
			)
		}
	}
	return nil
}

// Deliver fans a message received from another process out to local
// subscribers. Messages this bus published itself are ignored. The message
// is renumbered in this bus's sequence so subscribers see one increasing
// series regardless of origin.
func (b *Bus) Deliver(msg Message) {
	if msg.Origin == b.id {
		return
	}
	b.deliver(msg)
}

func (b *Bus) deliver(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg.Seq = b.seq
	for sub := range b.subs[msg.Topic] {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
	return msg
}

// Subscribe registers a subscriber for topic. Close the subscription to
// release it.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Message, b.buffer),
	}
	sub.C = sub.ch
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Close closes the transport, if any.
func (b *Bus) Close() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

// Subscription receives messages for one topic on C.
type Subscription struct {
	C <-chan Message

	bus     *Bus
	topic   string
	ch      chan Message
	once    sync.Once
	dropped atomic.Int64
}

// Dropped returns how many messages were discarded because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		delete(b.subs[s.topic], s)
		if len(b.subs[s.topic]) == 0 {
			delete(b.subs, s.topic)
		}
		b.mu.Unlock()
		close(s.ch)
	})
}
