package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"vidflow/internal/logging"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		fallback  string
		wantTopic string
		wantErr   string
	}{
		{
			name:      "topic in body",
			data:      `{"topic":"video-V1","event":"job.started","seq":4,"origin":"w1"}`,
			fallback:  "video-V9",
			wantTopic: "video-V1",
		},
		{
			name:      "topic from channel",
			data:      `{"event":"stage.progress","origin":"w1"}`,
			fallback:  strings.TrimPrefix(redisChannelPrefix+"video-V2", redisChannelPrefix),
			wantTopic: "video-V2",
		},
		{
			name:      "topic from routing key",
			data:      `{"event":"job.completed","origin":"w1"}`,
			fallback:  "video-V3",
			wantTopic: "video-V3",
		},
		{name: "invalid json", data: `{"event":`, wantErr: "unexpected end"},
		{name: "missing event", data: `{"topic":"video-V1"}`, wantErr: "event name missing"},
		{name: "missing topic", data: `{"event":"job.failed"}`, wantErr: "topic missing"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := decodeMessage([]byte(tc.data), tc.fallback)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeMessage failed: %v", err)
			}
			if msg.Topic != tc.wantTopic {
				t.Fatalf("expected topic %q, got %q", tc.wantTopic, msg.Topic)
			}
		})
	}
}

// wireTransport encodes messages as the brokers carry them and hands them to
// the receiving bus the way the relays do.
type wireTransport struct {
	to   *Bus
	key  string
	drop bool
}

func (w *wireTransport) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if w.drop {
		data = []byte("not json")
	}
	decoded, err := decodeMessage(data, w.key)
	if err != nil {
		return nil
	}
	w.to.Deliver(decoded)
	return nil
}

func (w *wireTransport) Close() error { return nil }

func TestWorkerEventsReachAPISubscribers(t *testing.T) {
	api := NewBus(logging.NewNop(), WithBuffer(8))
	worker := NewBus(logging.NewNop(), WithTransport(&wireTransport{to: api, key: Topic("V1")}))

	sub := api.Subscribe(Topic("V1"))
	defer sub.Close()

	if err := api.Publish(context.Background(), Topic("V1"), EventJobCreated, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, ev := range []Event{EventJobStarted, EventStageProgress, EventJobCompleted} {
		if err := worker.Publish(context.Background(), Topic("V1"), ev, map[string]string{"job_id": "J1"}); err != nil {
			t.Fatalf("worker Publish failed: %v", err)
		}
	}

	want := []Event{EventJobCreated, EventJobStarted, EventStageProgress, EventJobCompleted}
	var lastSeq uint64
	for i, ev := range want {
		msg := <-sub.C
		if msg.Event != ev {
			t.Fatalf("message %d: expected %s, got %s", i, ev, msg.Event)
		}
		if msg.Seq <= lastSeq {
			t.Fatalf("message %d: sequence %d not after %d", i, msg.Seq, lastSeq)
		}
		lastSeq = msg.Seq
	}
	if lastSeq != 4 {
		t.Fatalf("expected relayed messages numbered by the receiving bus, last seq %d", lastSeq)
	}
}

func TestMalformedRelayedEventIsDropped(t *testing.T) {
	api := NewBus(logging.NewNop(), WithBuffer(8))
	worker := NewBus(logging.NewNop(), WithTransport(&wireTransport{to: api, key: Topic("V1"), drop: true}))
	sub := api.Subscribe(Topic("V1"))
	defer sub.Close()

	if err := worker.Publish(context.Background(), Topic("V1"), EventJobFailed, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("malformed event delivered: %+v", msg)
	default:
	}
}
