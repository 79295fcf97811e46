package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/queue"
	"vidflow/internal/testsupport"
)

type recordingWaker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (w *recordingWaker) Wake(_ context.Context, q, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, q+":"+jobID)
	return w.err
}

func TestDispatcherEnqueueNotifiesOnce(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	waker := &recordingWaker{}
	d := queue.NewDispatcher(st, logging.NewNop(), waker)

	j, err := jobs.New("V1", jobs.Options{}, time.Now())
	if err != nil {
		t.Fatalf("jobs.New failed: %v", err)
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Enqueue(ctx, j.QueueName, j, time.Time{}); err != nil {
			t.Fatalf("Enqueue #%d failed: %v", i, err)
		}
	}
	if len(waker.calls) != 1 || waker.calls[0] != jobs.QueueVideoProcessing+":"+j.ID {
		t.Fatalf("unexpected wake calls %v", waker.calls)
	}
	select {
	case <-d.Ready(jobs.QueueVideoProcessing):
	default:
		t.Fatal("expected local signal")
	}

	id, ok, err := d.Next(ctx, jobs.QueueVideoProcessing)
	if err != nil || !ok || id != j.ID {
		t.Fatalf("Next = %s ok=%v err=%v", id, ok, err)
	}
	depths, err := d.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if depths[jobs.QueueVideoProcessing] != 1 || depths[jobs.QueueCleanup] != 0 {
		t.Fatalf("unexpected depths %v", depths)
	}
}

func TestDispatcherRejectsUnknownQueue(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	d := queue.NewDispatcher(st, logging.NewNop())
	_, err := d.Enqueue(context.Background(), "render", jobs.Job{ID: "x"}, time.Time{})
	if !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDispatcherWakerFailureIsNotFatal(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	d := queue.NewDispatcher(st, logging.NewNop(), &recordingWaker{err: errors.New("redis down")})
	j, _ := jobs.New("V1", jobs.Options{}, time.Now())
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	inserted, err := d.Enqueue(ctx, jobs.QueueCleanup, j, time.Time{})
	if err != nil || !inserted {
		t.Fatalf("Enqueue inserted=%v err=%v", inserted, err)
	}
	id, ok, err := d.Take(ctx, jobs.QueueCleanup)
	if err != nil || !ok || id != j.ID {
		t.Fatalf("Take = %s ok=%v err=%v", id, ok, err)
	}
}

func TestReadyTaskRoundTrip(t *testing.T) {
	task, err := queue.NewReadyTask(queue.ReadyPayload{Queue: jobs.QueueCleanup, JobID: "j-1"})
	if err != nil {
		t.Fatalf("NewReadyTask failed: %v", err)
	}
	if task.Type() != queue.TaskQueueReady {
		t.Fatalf("unexpected type %s", task.Type())
	}
	p, err := queue.ParseReadyTask(task)
	if err != nil || p.Queue != jobs.QueueCleanup || p.JobID != "j-1" {
		t.Fatalf("ParseReadyTask = %+v err=%v", p, err)
	}
	_, err = queue.ParseReadyTask(asynq.NewTask(queue.TaskQueueReady, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}
