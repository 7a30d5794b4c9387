// Package api exposes the ingestion and query REST surface. Event ingestion
// only validates and publishes to the stream; all persistence happens in the
// dispatch consumers, so a burst of hook traffic cannot block on the database.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Jmemon/fuel/internal/blob"
	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/pipeline"
	"github.com/Jmemon/fuel/internal/store"
)

// Publisher appends validated events to the durable stream.
type Publisher interface {
	Publish(ctx context.Context, e *models.Event) error
}

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	stream Publisher
	blobs  blob.Store
	queue  *pipeline.Queue
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, sc Publisher, blobs blob.Store, queue *pipeline.Queue, logger *slog.Logger) *Server {
	return &Server{
		store:  s,
		stream: sc,
		blobs:  blobs,
		queue:  queue,
		logger: logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("POST /api/v1/events", s.ingestEvents)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/transcript", s.getTranscript)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/transcript", s.uploadTranscript)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/tags", s.setTags)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/summary", s.setSummary)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reparse", s.reparseSession)

	mux.HandleFunc("GET /api/v1/workspaces", s.listWorkspaces)
	mux.HandleFunc("GET /api/v1/workspaces/{id}", s.getWorkspace)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Event ingestion ---

// EventRejection describes one rejected event in a batch.
type EventRejection struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// IngestReport is the per-batch accept/reject summary. A batch with mixed
// validity succeeds partially; valid events are published regardless of their
// neighbors.
type IngestReport struct {
	Accepted int              `json:"accepted"`
	Rejected []EventRejection `json:"rejected,omitempty"`
}

func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var events []models.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	report := IngestReport{}
	for i := range events {
		e := &events[i]
		if reason := validateEvent(e); reason != "" {
			report.Rejected = append(report.Rejected, EventRejection{
				Index: i, EventID: e.ID, Reason: reason,
			})
			continue
		}
		if err := s.stream.Publish(r.Context(), e); err != nil {
			s.logger.Error("event publish failed", "event_id", e.ID, "error", err)
			report.Rejected = append(report.Rejected, EventRejection{
				Index: i, EventID: e.ID, Reason: "publish failed",
			})
			continue
		}
		report.Accepted++
	}

	status := http.StatusAccepted
	if report.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, report)
}

func validateEvent(e *models.Event) string {
	if e.ID == "" {
		return "missing id"
	}
	if e.Type == "" {
		return "missing type"
	}
	if e.Timestamp.IsZero() {
		return "missing timestamp"
	}
	switch e.Type {
	case models.EventSessionStart, models.EventSessionEnd:
		if e.SessionID == "" {
			return "missing session_id"
		}
		if _, err := uuid.Parse(e.SessionID); err != nil {
			return "session_id is not a UUID"
		}
	}
	return ""
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionListFilter{
		WorkspaceID: q.Get("workspace"),
		DeviceID:    q.Get("device"),
		Lifecycle:   models.Lifecycle(q.Get("lifecycle")),
		Tag:         q.Get("tag"),
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// TranscriptResponse carries the parsed transcript for one session.
type TranscriptResponse struct {
	SessionID string                       `json:"session_id"`
	Messages  []*models.TranscriptMessage  `json:"messages"`
	Blocks    []*models.ParsedContentBlock `json:"blocks"`
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.store.ListTranscriptMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := TranscriptResponse{SessionID: id, Messages: msgs}
	for _, m := range msgs {
		blocks, err := s.store.ListContentBlocks(r.Context(), m.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Blocks = append(resp.Blocks, blocks...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// uploadTranscript stores the raw JSONL body in the blob store, points the
// session at it, and hands the session to the pipeline. Safe to repeat: a
// second upload overwrites the blob and the pipeline run is idempotent.
func (s *Server) uploadTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	key := blob.TranscriptKey(sess.WorkspaceID, sess.ID)
	if err := s.blobs.Upload(r.Context(), key, r.Body, r.ContentLength); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("store transcript: %v", err))
		return
	}
	if err := s.store.SetTranscriptKey(r.Context(), id, key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A session still mid-capture moves to ended now that its transcript
	// exists. Conflicts mean it already advanced, which is fine.
	if _, err := s.store.TransitionSession(r.Context(), id,
		[]models.Lifecycle{models.LifecycleDetected, models.LifecycleCapturing},
		models.LifecycleEnded); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.queue.Enqueue(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"transcript_s3_key": key})
}

func (s *Server) setTags(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.SetTags(r.Context(), id, body.Tags); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "tags": body.Tags})
}

func (s *Server) setSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.SetSummary(r.Context(), id, body.Summary); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "summary": body.Summary})
}

// reparseSession resets a session's derived data and re-runs the pipeline.
// Only sessions that have produced a transcript can be reset; a session still
// being captured gets a conflict.
func (s *Server) reparseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.store.ResetSessionForReparse(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch result.Outcome {
	case store.TransitionNotFound:
		writeError(w, http.StatusNotFound, "session not found")
		return
	case store.TransitionConflict:
		writeError(w, http.StatusConflict,
			fmt.Sprintf("session in state %q cannot be reparsed", result.ActualLifecycle))
		return
	}

	s.queue.Enqueue(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "lifecycle": string(models.LifecycleEnded)})
}

// --- Workspaces ---

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.store.GetWorkspace(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ws)
}
