package jobs_test

import (
	"testing"
	"time"

	"vidflow/internal/jobs"
)

func TestOverallProgress(t *testing.T) {
	w := jobs.DefaultWeights()
	cases := []struct {
		name   string
		upload int
		trans  int
		summ   int
		want   int
	}{
		{name: "empty", want: 0},
		{name: "upload only", upload: 100, want: 10},
		{name: "mixed", upload: 100, trans: 50, summ: 100, want: 70},
		{name: "rounding", upload: 5, trans: 1, want: 1},
		{name: "all done", upload: 100, trans: 100, summ: 100, want: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stages := jobs.Stages{
				jobs.StageUpload:        {Progress: tc.upload},
				jobs.StageTranscription: {Progress: tc.trans},
				jobs.StageSummarization: {Progress: tc.summ},
				jobs.StageCleanup:       {Progress: 100},
			}
			if got := jobs.OverallProgress(stages, w); got != tc.want {
				t.Fatalf("OverallProgress = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestWeightsValidate(t *testing.T) {
	if err := jobs.DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
	if err := (jobs.Weights{Upload: 0.5, Transcription: 0.5, Summarization: 0.5}).Validate(); err == nil {
		t.Fatal("expected sum error")
	}
	if err := (jobs.Weights{Upload: -0.1, Transcription: 0.8, Summarization: 0.3}).Validate(); err == nil {
		t.Fatal("expected negative error")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	if d := (jobs.RetryPolicy{}).Backoff(2); d != 0 {
		t.Fatalf("zero policy should be immediate, got %s", d)
	}
	p := jobs.RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
}
