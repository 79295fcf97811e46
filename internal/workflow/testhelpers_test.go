package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
	"vidflow/internal/queue"
	"vidflow/internal/services/summarize"
	"vidflow/internal/services/transcription"
	"vidflow/internal/storage"
	"vidflow/internal/store"
	"vidflow/internal/testsupport"
)

type harness struct {
	store      *store.Store
	bus        *notify.Bus
	dispatcher *queue.Dispatcher
	coord      *Coordinator
}

func newHarness(t *testing.T, opts ...CoordinatorOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	bus := notify.NewBus(logging.NewNop(), notify.WithBuffer(128))
	t.Cleanup(func() { _ = bus.Close() })
	dispatcher := queue.NewDispatcher(st, logging.NewNop())
	coord := NewCoordinator(st, st, dispatcher, bus, logging.NewNop(), opts...)
	return &harness{store: st, bus: bus, dispatcher: dispatcher, coord: coord}
}

// addVideo registers a video backed by a real temporary file.
func (h *harness) addVideo(t *testing.T, id string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	if err := h.store.UpsertVideo(context.Background(), store.Video{ID: id, Title: id, LocalPath: path}); err != nil {
		t.Fatalf("upsert video: %v", err)
	}
	return path
}

func (h *harness) mustSubmit(t *testing.T, videoID string) jobs.Job {
	t.Helper()
	j, err := h.coord.Submit(context.Background(), videoID, jobs.Options{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return j
}

func (h *harness) mustGet(t *testing.T, id string) jobs.Job {
	t.Helper()
	j, err := h.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return j
}

func drainEvents(sub *notify.Subscription) []notify.Event {
	var out []notify.Event
	for {
		select {
		case msg := <-sub.C:
			out = append(out, msg.Event)
		default:
			return out
		}
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	uploads []string
	deleted []string
	err     error
}

func (f *fakeObjects) Upload(_ context.Context, localPath string) (storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.Object{}, f.err
	}
	f.uploads = append(f.uploads, localPath)
	return storage.Object{PublicID: "videos/obj.mp4", URL: "https://cdn.example.com/videos/obj.mp4"}, nil
}

func (f *fakeObjects) Delete(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, publicID)
	return nil
}

type fakeTranscriber struct {
	mu        sync.Mutex
	notReady  int
	result    transcription.Result
	fetchErr  error
	submitted []string
	fetched   int
}

func (f *fakeTranscriber) Submit(_ context.Context, audioURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, audioURL)
	return "tx-1", nil
}

func (f *fakeTranscriber) FetchResult(_ context.Context, _ string) (transcription.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.fetchErr != nil {
		return transcription.Result{}, f.fetchErr
	}
	if f.notReady > 0 {
		f.notReady--
		return transcription.Result{}, transcription.ErrNotReady
	}
	return f.result, nil
}

type fakeSummarizer struct {
	generate func(ctx context.Context, text string) (summarize.Result, error)
}

func (f *fakeSummarizer) Generate(ctx context.Context, text string, _ summarize.Options) (summarize.Result, error) {
	if f.generate != nil {
		return f.generate(ctx, text)
	}
	return summarize.Result{Summary: "summary of " + text, KeyPoints: []string{"one"}, TokensUsed: 12}, nil
}

func newTestExecutor(h *harness, objects ObjectStorage, tx Transcriber, sum Summarizer) *Executor {
	return NewExecutor(h.coord, h.store, objects, tx, sum, ExecutorOptions{
		TranscriptPollInterval: time.Millisecond,
		TranscriptPollTimeout:  5 * time.Second,
	}, logging.NewNop())
}
