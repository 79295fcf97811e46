package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/notify"
)

const eventSnapshot = "snapshot"

type snapshotPayload struct {
	VideoID string     `json:"video_id"`
	Jobs    []jobs.Job `json:"jobs"`
}

// handleVideoEvents streams bus events for one video. The first event is a
// snapshot of the video's live jobs; later events mirror the bus until the
// client goes away. Events published before the subscription are not
// replayed.
func (s *Server) handleVideoEvents(w http.ResponseWriter, r *http.Request) {
	videoID := strings.TrimSpace(r.PathValue("id"))
	if videoID == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	if s.deps.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
		return
	}

	sub := s.deps.Events.Subscribe(notify.Topic(videoID))
	defer sub.Close()

	current, err := s.deps.Jobs.List(r.Context(), videoID, maxListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if current == nil {
		current = []jobs.Job{}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if payload, err := json.Marshal(snapshotPayload{VideoID: videoID, Jobs: current}); err == nil {
		_ = writeSSE(w, "", eventSnapshot, payload)
		flusher.Flush()
	}

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			id := ""
			if msg.Seq > 0 {
				id = strconv.FormatUint(msg.Seq, 10)
			}
			if err := writeSSE(w, id, string(msg.Event), msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if len(data) > 0 {
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}
	_, err := fmt.Fprint(w, "data: {}\n\n")
	return err
}
