// Package api exposes the agent core to the editor UI over HTTP: turn
// control (send/approve/reject/abort), thread and transcript
// selectors, pending-change and checkpoint operations, and a WebSocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loom-editor/loom/internal/agent"
	"github.com/loom-editor/loom/internal/buildinfo"
	"github.com/loom-editor/loom/internal/connwatch"
	"github.com/loom-editor/loom/internal/events"
	"github.com/loom-editor/loom/internal/thread"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeJSONStatus is writeJSON with a non-200 status code. Content-Type
// must be set before WriteHeader flushes the headers.
func writeJSONStatus(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	store   *thread.Store
	orch    *agent.Orchestrator
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
	conns   *connwatch.Manager
}

// SetConnWatch attaches a connection watch manager; when set, the
// health endpoint reports per-service status.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.conns = m
}

// NewServer creates an API server.
func NewServer(address string, port int, store *thread.Store, orch *agent.Orchestrator, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		store:   store,
		orch:    orch,
		bus:     bus,
		logger:  logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Turn control
	mux.HandleFunc("POST /v1/message", s.handleSendMessage)
	mux.HandleFunc("POST /v1/abort", s.handleAbort)
	mux.HandleFunc("POST /v1/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/reject", s.handleReject)
	mux.HandleFunc("POST /v1/auto-approve", s.handleAutoApprove)

	// Thread selectors
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("POST /v1/threads", s.handleThreadCreate)
	mux.HandleFunc("POST /v1/threads/{id}/select", s.handleThreadSelect)
	mux.HandleFunc("GET /v1/thread", s.handleCurrentThread)
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)

	// Pending changes
	mux.HandleFunc("GET /v1/changes", s.handleChanges)
	mux.HandleFunc("POST /v1/changes/accept", s.handleAcceptChanges)
	mux.HandleFunc("POST /v1/changes/undo", s.handleUndoChanges)

	// Checkpoints
	mux.HandleFunc("GET /v1/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("POST /v1/checkpoints/{id}/restore", s.handleCheckpointRestore)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}
	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Loom",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.conns != nil {
		resp["services"] = s.conns.Status()
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// sendMessageRequest starts a turn.
type sendMessageRequest struct {
	Content      string               `json:"content"`
	ContextItems []thread.ContextItem `json:"context_items,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	if s.orch.Busy() {
		s.errorResponse(w, http.StatusConflict, "a turn is already in flight")
		return
	}

	// The turn outlives the HTTP request; progress flows over the
	// event stream.
	go func() {
		if err := s.orch.SendMessage(context.Background(), req.Content, req.ContextItems); err != nil {
			s.logger.Error("turn failed", "error", err)
		}
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"}, s.logger)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.orch.Abort()
	writeJSON(w, map[string]string{"status": "aborted"}, s.logger)
}

type approvalRequest struct {
	CallID string `json:"call_id"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" {
		s.errorResponse(w, http.StatusBadRequest, "call_id is required")
		return
	}

	var ok bool
	if approved {
		ok = s.orch.Approve(req.CallID)
	} else {
		ok = s.orch.Reject(req.CallID)
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no tool call awaiting approval under that id")
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "approved": approved}, s.logger)
}

type autoApproveRequest struct {
	Category string `json:"category"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request) {
	var req autoApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Category == "" {
		s.errorResponse(w, http.StatusBadRequest, "category is required")
		return
	}
	s.store.SetAutoApprove(req.Category, req.Enabled)
	writeJSON(w, map[string]any{"status": "ok", "category": req.Category, "enabled": req.Enabled}, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	threads := s.store.Threads()
	type summary struct {
		ID           string    `json:"id"`
		CreatedAt    time.Time `json:"created_at"`
		LastModified time.Time `json:"last_modified"`
		Messages     int       `json:"messages"`
		Current      bool      `json:"current"`
	}
	current := s.store.CurrentThreadID()
	out := make([]summary, len(threads))
	for i, t := range threads {
		out[i] = summary{
			ID:           t.ID,
			CreatedAt:    t.CreatedAt,
			LastModified: t.LastModified,
			Messages:     len(t.Messages),
			Current:      t.ID == current,
		}
	}
	writeJSON(w, map[string]any{"threads": out, "count": len(out)}, s.logger)
}

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	id := s.store.CreateThread()
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id}, s.logger)
}

func (s *Server) handleThreadSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.orch.Busy() {
		s.errorResponse(w, http.StatusConflict, "cannot switch threads during an active turn")
		return
	}
	if err := s.store.SetCurrentThread(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "id": id}, s.logger)
}

func (s *Server) handleCurrentThread(w http.ResponseWriter, r *http.Request) {
	t, ok := s.store.CurrentThread()
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no current thread")
		return
	}
	writeJSON(w, map[string]any{
		"id":            t.ID,
		"state":         string(t.State),
		"created_at":    t.CreatedAt,
		"last_modified": t.LastModified,
		"messages":      transcriptJSON(t.Messages),
		"busy":          s.orch.Busy(),
	}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	msgs := s.store.Messages()
	if r.URL.Query().Get("format") == "html" {
		html, err := RenderTranscriptHTML(msgs)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "render: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, html)
		return
	}
	writeJSON(w, map[string]any{"messages": transcriptJSON(msgs)}, s.logger)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	changes := s.store.PendingChanges()
	writeJSON(w, map[string]any{"changes": changes, "count": len(changes)}, s.logger)
}

type changeRequest struct {
	Path string `json:"path,omitempty"`
}

func (s *Server) handleAcceptChanges(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.Path != "" {
		if !s.store.AcceptChange(req.Path) {
			s.errorResponse(w, http.StatusNotFound, "no pending change for that path")
			return
		}
		s.publishChanges()
		writeJSON(w, map[string]any{"status": "ok", "accepted": 1}, s.logger)
		return
	}

	n := s.store.AcceptAllChanges()
	s.publishChanges()
	writeJSON(w, map[string]any{"status": "ok", "accepted": n}, s.logger)
}

func (s *Server) handleUndoChanges(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.Path != "" {
		if err := s.store.UndoChange(req.Path); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "undo: "+err.Error())
			return
		}
		s.publishChanges()
		writeJSON(w, map[string]any{"status": "ok"}, s.logger)
		return
	}

	failures := s.store.UndoAllChanges()
	s.publishChanges()
	writeJSON(w, map[string]any{
		"status":   "ok",
		"failures": failures,
	}, s.logger)
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	cps := s.store.Checkpoints()
	type summary struct {
		ID          string    `json:"id"`
		MessageID   string    `json:"message_id"`
		Timestamp   time.Time `json:"timestamp"`
		Description string    `json:"description"`
		Files       int       `json:"files"`
	}
	out := make([]summary, len(cps))
	for i, cp := range cps {
		out[i] = summary{
			ID:          cp.ID,
			MessageID:   cp.MessageID,
			Timestamp:   cp.Timestamp,
			Description: cp.Description,
			Files:       len(cp.FileSnapshots),
		}
	}
	writeJSON(w, map[string]any{"checkpoints": out, "count": len(out)}, s.logger)
}

func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request) {
	if s.orch.Busy() {
		s.errorResponse(w, http.StatusConflict, "cannot restore during an active turn")
		return
	}
	id := r.PathValue("id")
	result, found := s.store.RestoreToCheckpoint(id)
	if !found {
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	s.publishChanges()
	writeJSON(w, result, s.logger)
}

func (s *Server) publishChanges() {
	s.bus.Publish(events.Event{
		Source: events.SourceThread,
		Kind:   events.KindChangesUpdated,
		Data: map[string]any{
			"thread_id": s.store.CurrentThreadID(),
			"pending":   len(s.store.PendingChanges()),
		},
	})
}

// transcriptJSON flattens the message union into role-tagged JSON
// objects for the UI.
func transcriptJSON(msgs []thread.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"id":   m.MessageID(),
			"role": m.Role(),
		}
		switch msg := m.(type) {
		case *thread.UserMessage:
			entry["content"] = msg.Content
			entry["timestamp"] = msg.Timestamp
			if len(msg.ContextItems) > 0 {
				entry["context_items"] = msg.ContextItems
			}
		case *thread.AssistantMessage:
			entry["content"] = msg.Content
			entry["is_streaming"] = msg.IsStreaming
			entry["tool_calls"] = msg.OrderedToolCalls()
		case *thread.ToolResultMessage:
			entry["tool_call_id"] = msg.ToolCallID
			entry["name"] = msg.Name
			entry["content"] = msg.Content
			entry["type"] = msg.Type
		case *thread.CheckpointMessage:
			entry["kind"] = msg.Kind
		case *thread.InterruptedToolMessage:
			// Marker only.
		}
		out = append(out, entry)
	}
	return out
}
