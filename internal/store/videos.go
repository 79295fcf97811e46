package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vidflow/internal/jobs"
)

// Video statuses mirrored from the pipeline.
const (
	VideoStatusUploaded   = "uploaded"
	VideoStatusQueued     = "queued"
	VideoStatusProcessing = "processing"
	VideoStatusCompleted  = "completed"
	VideoStatusFailed     = "failed"
	VideoStatusCancelled  = "cancelled"
)

// Video is the slice of the externally owned video entity the pipeline reads
// and writes.
type Video struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	LocalPath            string    `json:"local_path"`
	Status               string    `json:"status"`
	Transcript           string    `json:"transcript,omitempty"`
	TranscriptConfidence float64   `json:"transcript_confidence,omitempty"`
	Summary              string    `json:"summary,omitempty"`
	KeyPoints            []string  `json:"key_points,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// UpsertVideo registers or refreshes a video's title, local path and status.
func (s *Store) UpsertVideo(ctx context.Context, v Video) error {
	if v.ID == "" {
		return fmt.Errorf("%w: video id is required", jobs.ErrValidation)
	}
	if v.Status == "" {
		v.Status = VideoStatusUploaded
	}
	q := s.rebind(`
INSERT INTO videos (id, title, local_path, status, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET title = excluded.title, local_path = excluded.local_path,
	status = excluded.status, updated_at = excluded.updated_at
`)
	_, err := s.db.ExecContext(ctx, q, v.ID, v.Title, v.LocalPath, v.Status, toNanos(time.Now()))
	return err
}

// GetVideo loads a video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (Video, error) {
	q := s.rebind(`
SELECT id, title, local_path, status, transcript, transcript_confidence, summary, key_points, updated_at
FROM videos
WHERE id = ?
`)
	var (
		v          Video
		transcript sql.NullString
		confidence sql.NullFloat64
		summary    sql.NullString
		keyPoints  sql.NullString
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&v.ID,
		&v.Title,
		&v.LocalPath,
		&v.Status,
		&transcript,
		&confidence,
		&summary,
		&keyPoints,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, fmt.Errorf("%w: video %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return Video{}, err
	}
	if p := nullString(transcript); p != nil {
		v.Transcript = *p
	}
	v.TranscriptConfidence = confidence.Float64
	if p := nullString(summary); p != nil {
		v.Summary = *p
	}
	if keyPoints.Valid && keyPoints.String != "" {
		if err := json.Unmarshal([]byte(keyPoints.String), &v.KeyPoints); err != nil {
			return Video{}, fmt.Errorf("decode key points for video %s: %w", id, err)
		}
	}
	v.UpdatedAt = fromNanos(updatedAt)
	return v, nil
}

// SetVideoStatus mirrors pipeline status onto the video.
func (s *Store) SetVideoStatus(ctx context.Context, id, status string) error {
	return s.updateVideo(ctx, id, `status = ?`, status)
}

// SaveTranscript stores the transcription result on the video.
func (s *Store) SaveTranscript(ctx context.Context, id, text string, confidence float64) error {
	return s.updateVideo(ctx, id, `transcript = ?, transcript_confidence = ?`, text, confidence)
}

// SaveSummary stores the summarization result on the video.
func (s *Store) SaveSummary(ctx context.Context, id, summary string, keyPoints []string) error {
	encoded, err := json.Marshal(keyPoints)
	if err != nil {
		return fmt.Errorf("encode key points: %w", err)
	}
	return s.updateVideo(ctx, id, `summary = ?, key_points = ?`, summary, string(encoded))
}

func (s *Store) updateVideo(ctx context.Context, id, set string, args ...any) error {
	q := s.rebind(`UPDATE videos SET ` + set + `, updated_at = ? WHERE id = ?`)
	args = append(args, toNanos(time.Now()), id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: video %s", jobs.ErrNotFound, id)
	}
	return nil
}
