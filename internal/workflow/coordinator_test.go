package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/notify"
	"vidflow/internal/store"
)

func TestSubmitCreatesAndDispatches(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "V1")
	sub := h.bus.Subscribe(notify.Topic("V1"))
	defer sub.Close()
	ctx := context.Background()

	j := h.mustSubmit(t, "V1")
	if j.Status != jobs.StatusPending || j.OverallProgress != 0 || j.RetryCount != 0 {
		t.Fatalf("unexpected job %+v", j)
	}
	for _, s := range jobs.AllStages {
		if j.Stage(s).Status != jobs.StagePending {
			t.Fatalf("stage %s not pending", s)
		}
	}
	enqueued, err := h.dispatcher.IsEnqueued(ctx, jobs.QueueVideoProcessing, j.ID)
	if err != nil || !enqueued {
		t.Fatalf("expected job enqueued (err=%v)", err)
	}
	inserted, err := h.coord.Dispatch(ctx, j.ID)
	if err != nil || inserted {
		t.Fatalf("second dispatch should be a no-op: inserted=%v err=%v", inserted, err)
	}

	events := drainEvents(sub)
	if len(events) != 2 || events[0] != notify.EventJobCreated || events[1] != notify.EventJobDispatched {
		t.Fatalf("unexpected events %v", events)
	}
	video, err := h.store.GetVideo(ctx, "V1")
	if err != nil || video.Status != store.VideoStatusQueued {
		t.Fatalf("unexpected video status %q (err=%v)", video.Status, err)
	}
}

func TestCreateRequiresVideoID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Create(context.Background(), "  ", jobs.Options{}); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAdvanceStageComputesWeightedProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, err := h.coord.Create(ctx, "V1", jobs.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := h.coord.AdvanceStage(ctx, j.ID, jobs.StageUpload, 100, jobs.StageCompleted)
	if err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	if got.OverallProgress != 10 {
		t.Fatalf("expected 10, got %d", got.OverallProgress)
	}
	if _, err := h.coord.AdvanceStage(ctx, j.ID, jobs.StageTranscription, 50, jobs.StageProcessing); err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	got, err = h.coord.AdvanceStage(ctx, j.ID, jobs.StageSummarization, 100, jobs.StageCompleted)
	if err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	if got.OverallProgress != 70 {
		t.Fatalf("expected 70, got %d", got.OverallProgress)
	}
	if stored := h.mustGet(t, j.ID); stored.OverallProgress != 70 || stored.Revision != got.Revision {
		t.Fatalf("stored job diverged: %+v", stored)
	}

	if _, err := h.coord.AdvanceStage(ctx, j.ID, jobs.Stage("encode"), 10, jobs.StageProcessing); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected validation error for unknown stage, got %v", err)
	}
}

func TestCompletingPipelineQueuesCleanup(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "V1")
	sub := h.bus.Subscribe(notify.Topic("V1"))
	defer sub.Close()
	ctx := context.Background()

	j := h.mustSubmit(t, "V1")
	if _, err := h.coord.Claim(ctx, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	var last jobs.Job
	for _, s := range jobs.PipelineStages {
		var err error
		if last, err = h.coord.CompleteStage(ctx, j.ID, s, nil); err != nil {
			t.Fatalf("CompleteStage(%s) failed: %v", s, err)
		}
	}
	if last.Status != jobs.StatusCompleted || last.OverallProgress != 100 || last.CompletedAt == nil {
		t.Fatalf("unexpected completed job %+v", last)
	}
	queued, err := h.dispatcher.IsEnqueued(ctx, jobs.QueueCleanup, j.ID)
	if err != nil || !queued {
		t.Fatalf("expected cleanup entry (err=%v)", err)
	}
	events := drainEvents(sub)
	if events[len(events)-1] != notify.EventJobCompleted {
		t.Fatalf("expected job.completed last, got %v", events)
	}
	if video, _ := h.store.GetVideo(ctx, "V1"); video.Status != store.VideoStatusCompleted {
		t.Fatalf("unexpected video status %q", video.Status)
	}
}

func TestFailAndRetryRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.mustSubmit(t, "V1")
	if _, err := h.coord.Claim(ctx, j.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	failed, err := h.coord.FailStage(ctx, j.ID, jobs.StageTranscription, errors.New("timeout"))
	if err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	if failed.Status != jobs.StatusFailed || failed.Error == nil || failed.Error.Message != "timeout" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
	if !jobs.CanRetry(failed) {
		t.Fatal("expected job to be retryable")
	}

	retried, err := h.coord.Retry(ctx, j.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != jobs.StatusPending || retried.RetryCount != 1 || retried.Error != nil {
		t.Fatalf("unexpected retried job %+v", retried)
	}
	id, ok, err := h.dispatcher.Next(ctx, jobs.QueueVideoProcessing)
	if err != nil || !ok || id != j.ID {
		t.Fatalf("expected retried job at head of queue, got %q ok=%v err=%v", id, ok, err)
	}
}

func TestRetryBackoffDelaysAvailability(t *testing.T) {
	h := newHarness(t, WithRetryPolicy(jobs.RetryPolicy{BaseDelay: time.Hour}))
	ctx := context.Background()
	j := h.mustSubmit(t, "V1")
	if _, err := h.coord.FailStage(ctx, j.ID, jobs.StageUpload, errors.New("disk")); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	if _, err := h.coord.Retry(ctx, j.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, ok, err := h.dispatcher.Next(ctx, jobs.QueueVideoProcessing); err != nil || ok {
		t.Fatalf("expected no available job during backoff (ok=%v err=%v)", ok, err)
	}
}

func TestAdvancingPendingJobToCompletionClearsQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.mustSubmit(t, "V1")
	for _, stage := range jobs.PipelineStages {
		if _, err := h.coord.AdvanceStage(ctx, j.ID, stage, 100, jobs.StageCompleted); err != nil {
			t.Fatalf("AdvanceStage %s failed: %v", stage, err)
		}
	}
	got := h.mustGet(t, j.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", got.Status)
	}
	depths, err := h.dispatcher.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if depths[jobs.QueueVideoProcessing] != 0 || depths[jobs.QueueCleanup] != 1 {
		t.Fatalf("unexpected depths %v", depths)
	}
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	one := 1
	j, err := h.coord.Create(ctx, "V1", jobs.Options{MaxRetries: &one})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.coord.FailStage(ctx, j.ID, jobs.StageUpload, errors.New("first")); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	if _, err := h.coord.Retry(ctx, j.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, err := h.coord.FailStage(ctx, j.ID, jobs.StageUpload, errors.New("second")); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	_, err = h.coord.Retry(ctx, j.ID)
	if !errors.Is(err, jobs.ErrInvalidState) || !errors.Is(err, jobs.ErrTerminal) {
		t.Fatalf("expected exhausted retry error, got %v", err)
	}
	if got := h.mustGet(t, j.ID); got.Status != jobs.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("unexpected job after exhausted retry %+v", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.mustSubmit(t, "V1")

	cancelled, err := h.coord.Cancel(ctx, j.ID)
	if err != nil || cancelled.Status != jobs.StatusCancelled {
		t.Fatalf("Cancel: %+v %v", cancelled, err)
	}
	again, err := h.coord.Cancel(ctx, j.ID)
	if err != nil || again.Revision != cancelled.Revision {
		t.Fatalf("second Cancel should be a no-op: %+v %v", again, err)
	}
	if _, err := h.coord.AdvanceStage(ctx, j.ID, jobs.StageUpload, 10, jobs.StageProcessing); !errors.Is(err, jobs.ErrInvalidState) {
		t.Fatalf("expected invalid state after cancel, got %v", err)
	}
	if _, ok, _ := h.dispatcher.Next(ctx, jobs.QueueVideoProcessing); ok {
		t.Fatal("cancelled job must leave the queue")
	}
}

func TestCancelCompletedJobFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, _ := h.coord.Create(ctx, "V1", jobs.Options{})
	for _, s := range jobs.PipelineStages {
		if _, err := h.coord.CompleteStage(ctx, j.ID, s, nil); err != nil {
			t.Fatalf("CompleteStage failed: %v", err)
		}
	}
	if _, err := h.coord.Cancel(ctx, j.ID); !errors.Is(err, jobs.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.mustSubmit(t, "V1")

	const claimants = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Claim(ctx, j.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, jobs.ErrConcurrency):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != claimants-1 {
		t.Fatalf("winners=%d conflicts=%d", winners, conflicts)
	}
	if got := h.mustGet(t, j.ID); got.Status != jobs.StatusProcessing {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestExpiredJobIsNotFound(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	h := newHarness(t, WithClock(func() time.Time { return past }), WithTTL(time.Hour))
	ctx := context.Background()
	j, err := h.coord.Create(ctx, "V1", jobs.Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.coord.Get(ctx, j.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.coord.Cancel(ctx, j.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected not found on cancel, got %v", err)
	}
}

func TestDeleteForVideoPurgesObjects(t *testing.T) {
	objects := &fakeObjects{}
	h := newHarness(t, WithObjectStorage(objects))
	ctx := context.Background()
	first, _ := h.coord.Create(ctx, "V1", jobs.Options{})
	if _, err := h.coord.CompleteStage(ctx, first.ID, jobs.StageUpload, map[string]string{RefPublicID: "videos/a.mp4"}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	if _, err := h.coord.Create(ctx, "V1", jobs.Options{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	other, _ := h.coord.Create(ctx, "V2", jobs.Options{})

	n, err := h.coord.DeleteForVideo(ctx, "V1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteForVideo: n=%d err=%v", n, err)
	}
	if len(objects.deleted) != 1 || objects.deleted[0] != "videos/a.mp4" {
		t.Fatalf("unexpected purged objects %v", objects.deleted)
	}
	if list, _ := h.coord.List(ctx, "V1", 10); len(list) != 0 {
		t.Fatalf("expected no jobs left for V1, got %d", len(list))
	}
	h.mustGet(t, other.ID)

	if err := h.coord.Delete(ctx, other.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := h.coord.Delete(ctx, other.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteForVideoIncludesExpiredJobs(t *testing.T) {
	objects := &fakeObjects{}
	h := newHarness(t, WithObjectStorage(objects))
	ctx := context.Background()

	stale, err := jobs.New("V1", jobs.Options{TTL: time.Hour}, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("jobs.New failed: %v", err)
	}
	rec := stale.Stages[jobs.StageUpload]
	rec.Status = jobs.StageCompleted
	rec.ExternalRefs = map[string]string{RefPublicID: "videos/stale.mp4"}
	stale.Stages[jobs.StageUpload] = rec
	if err := h.store.CreateJob(ctx, stale); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := h.coord.Create(ctx, "V1", jobs.Options{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := h.coord.DeleteForVideo(ctx, "V1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteForVideo: n=%d err=%v", n, err)
	}
	if len(objects.deleted) != 1 || objects.deleted[0] != "videos/stale.mp4" {
		t.Fatalf("expected the expired job's object purged, got %v", objects.deleted)
	}
	if all, _ := h.store.ListVideoJobs(ctx, "V1"); len(all) != 0 {
		t.Fatalf("expected no stored jobs left, got %d", len(all))
	}
}
