package workflow

import (
	"context"
	"testing"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
	"vidflow/internal/services/transcription"
)

func TestPoolProcessesSubmittedJobs(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "V1")
	h.addVideo(t, "V2")
	exec := newTestExecutor(h, &fakeObjects{}, &fakeTranscriber{result: transcription.Result{Text: "t"}}, &fakeSummarizer{})
	pool := NewPool(h.coord, h.dispatcher, exec, NewCleanupExecutor(h.coord, h.store, logging.NewNop()), PoolOptions{
		Workers: map[string]int{
			jobs.QueueVideoProcessing: 2,
			jobs.QueueCleanup:         1,
		},
		PollInterval:       10 * time.Millisecond,
		ErrorRetryInterval: 10 * time.Millisecond,
	}, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(ctx); err == nil {
		t.Fatal("expected error on second Start")
	}

	first := h.mustSubmit(t, "V1")
	second := h.mustSubmit(t, "V2")
	for _, id := range []string{first.ID, second.ID} {
		waitFor(t, func() bool {
			j := h.mustGet(t, id)
			return j.Status == jobs.StatusCompleted && j.Stage(jobs.StageCleanup).Status == jobs.StageCompleted
		})
	}
	depths, err := h.coord.Depths(context.Background())
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	for q, n := range depths {
		if n != 0 {
			t.Fatalf("queue %s still has %d entries", q, n)
		}
	}
}

func TestPoolRequiresWorkers(t *testing.T) {
	h := newHarness(t)
	pool := NewPool(h.coord, h.dispatcher, nil, nil, PoolOptions{}, logging.NewNop())
	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("expected error without workers")
	}
	pool.Stop()
}

func TestSweeperDeletesExpiredJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	live, err := h.coord.Create(ctx, "V1", jobs.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	expired, err := h.coord.Create(ctx, "V2", jobs.Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sub := h.bus.Subscribe(notify.Topic("V2"))
	defer sub.Close()

	sweeper := NewSweeper(h.store, h.bus, time.Minute, logging.NewNop())
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	h.mustGet(t, live.ID)
	if _, err := h.store.GetJob(ctx, expired.ID); err == nil {
		t.Fatal("expired job still present")
	}
	if events := drainEvents(sub); len(events) != 1 || events[0] != notify.EventJobDeleted {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestSweeperDeletesInBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const total = 5
	for range total {
		if _, err := h.coord.Create(ctx, "V1", jobs.Options{TTL: time.Minute}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	sub := h.bus.Subscribe(notify.Topic("V1"))
	defer sub.Close()

	sweeper := NewSweeper(h.store, h.bus, 0, logging.NewNop())
	sweeper.batch = 2
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != total {
		t.Fatalf("expected %d deleted, got %d", total, n)
	}
	if events := drainEvents(sub); len(events) != total {
		t.Fatalf("expected one deletion event per job, got %v", events)
	}
	left, err := h.store.ListExpiredJobs(ctx, time.Now().Add(2*time.Minute), 0)
	if err != nil || len(left) != 0 {
		t.Fatalf("expected nothing left, got %d (err %v)", len(left), err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
