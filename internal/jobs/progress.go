package jobs

import (
	"errors"
	"math"
)

// Weights assigns each pipeline stage its share of overall progress. Cleanup
// carries no weight.
type Weights struct {
	Upload        float64 `toml:"upload"`
	Transcription float64 `toml:"transcription"`
	Summarization float64 `toml:"summarization"`
}

// DefaultWeights returns the stock 10/60/30 split.
func DefaultWeights() Weights {
	return Weights{Upload: 0.10, Transcription: 0.60, Summarization: 0.30}
}

// Validate ensures the weights are non-negative and sum to one.
func (w Weights) Validate() error {
	if w.Upload < 0 || w.Transcription < 0 || w.Summarization < 0 {
		return errors.New("progress weights must be non-negative")
	}
	if math.Abs(w.Upload+w.Transcription+w.Summarization-1) > 1e-6 {
		return errors.New("progress weights must sum to 1.0")
	}
	return nil
}

// For returns the weight of stage s.
func (w Weights) For(s Stage) float64 {
	switch s {
	case StageUpload:
		return w.Upload
	case StageTranscription:
		return w.Transcription
	case StageSummarization:
		return w.Summarization
	default:
		return 0
	}
}

// OverallProgress computes round(sum(weight * progress)) over the pipeline stages.
func OverallProgress(stages Stages, w Weights) int {
	var total float64
	for _, s := range PipelineStages {
		total += w.For(s) * float64(clampProgress(stages[s].Progress))
	}
	return clampProgress(int(math.Round(total)))
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
