package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"vidflow/internal/logging"
	"vidflow/internal/notify"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeTransport) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeTransport) Close() error { return nil }

func TestPublishDeliversInOrderPerTopic(t *testing.T) {
	bus := notify.NewBus(logging.NewNop(), notify.WithBuffer(16))
	sub := bus.Subscribe(notify.Topic("V1"))
	defer sub.Close()
	other := bus.Subscribe(notify.Topic("V2"))
	defer other.Close()

	events := []notify.Event{notify.EventJobCreated, notify.EventJobDispatched, notify.EventStageProgress, notify.EventJobCompleted}
	for i, ev := range events {
		if err := bus.Publish(context.Background(), notify.Topic("V1"), ev, map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	var lastSeq uint64
	for i, want := range events {
		msg := <-sub.C
		if msg.Event != want {
			t.Fatalf("message %d: got %s, want %s", i, msg.Event, want)
		}
		if msg.Seq <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", msg.Seq, lastSeq)
		}
		lastSeq = msg.Seq
		var payload map[string]int
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload["n"] != i {
			t.Fatalf("unexpected payload %s (%v)", msg.Payload, err)
		}
	}
	select {
	case msg := <-other.C:
		t.Fatalf("unexpected cross-topic message %+v", msg)
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := notify.NewBus(logging.NewNop(), notify.WithBuffer(1))
	sub := bus.Subscribe("video-V1")
	defer sub.Close()
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), "video-V1", notify.EventStageProgress, nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if sub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", sub.Dropped())
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := notify.NewBus(logging.NewNop())
	if err := bus.Publish(context.Background(), "video-V1", notify.EventJobCreated, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	sub := bus.Subscribe("video-V1")
	defer sub.Close()
	select {
	case msg := <-sub.C:
		t.Fatalf("late subscriber received %+v", msg)
	default:
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := notify.NewBus(logging.NewNop())
	sub := bus.Subscribe("video-V1")
	if bus.Subscribers("video-V1") != 1 {
		t.Fatal("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if bus.Subscribers("video-V1") != 0 {
		t.Fatal("expected no subscribers")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	if err := bus.Publish(context.Background(), "video-V1", notify.EventJobCreated, nil); err != nil {
		t.Fatalf("Publish after close failed: %v", err)
	}
}

func TestTransportForwardingAndEchoSuppression(t *testing.T) {
	transport := &fakeTransport{err: errors.New("broker down")}
	bus := notify.NewBus(logging.NewNop(), notify.WithTransport(transport))
	sub := bus.Subscribe("video-V1")
	defer sub.Close()

	if err := bus.Publish(context.Background(), "video-V1", notify.EventJobFailed, nil); err != nil {
		t.Fatalf("transport errors must not surface: %v", err)
	}
	if len(transport.sent) != 1 || transport.sent[0].Origin != bus.ID() {
		t.Fatalf("unexpected sent messages %+v", transport.sent)
	}
	<-sub.C

	bus.Deliver(transport.sent[0])
	select {
	case msg := <-sub.C:
		t.Fatalf("echoed message delivered: %+v", msg)
	default:
	}

	remote := transport.sent[0]
	remote.Origin = "other-process"
	bus.Deliver(remote)
	if msg := <-sub.C; msg.Origin != "other-process" {
		t.Fatalf("unexpected relayed message %+v", msg)
	}
}
