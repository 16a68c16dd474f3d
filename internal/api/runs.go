package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

// RunHandler groups the run-related HTTP handlers (spec.md §6.1).
type RunHandler struct {
	runs   *runregistry.Registry
	agents *agentregistry.Registry
	log    *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs *runregistry.Registry, agents *agentregistry.Registry, log *zap.Logger) *RunHandler {
	return &RunHandler{runs: runs, agents: agents, log: log.Named("run_handler")}
}

type runResponse struct {
	ID        string  `json:"id"`
	BotID     string  `json:"bot_id"`
	AgentID   *string `json:"agent_id"`
	Status    string  `json:"status"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
	CreatedAt string  `json:"created_at"`
}

func runToResponse(run *store.Run) runResponse {
	resp := runResponse{
		ID:        run.ID.String(),
		BotID:     run.BotID.String(),
		AgentID:   run.AgentID,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.StartTime != nil {
		s := run.StartTime.UTC().Format(time.RFC3339)
		resp.StartTime = &s
	}
	if run.EndTime != nil {
		s := run.EndTime.UTC().Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

type runEventResponse struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	EventType  string `json:"event_type"`
	Message    string `json:"message"`
	Payload    string `json:"payload,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func runEventToResponse(e *store.RunEvent) runEventResponse {
	return runEventResponse{
		ID:         e.ID.String(),
		RunID:      e.RunID.String(),
		EventType:  e.EventType,
		Message:    e.Message,
		Payload:    e.Payload,
		Screenshot: e.Screenshot,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
	}
}

type runLogResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Payload   string `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func runLogToResponse(l *store.RunLog) runLogResponse {
	return runLogResponse{
		ID:        l.ID.String(),
		RunID:     l.RunID.String(),
		Level:     string(l.Level),
		Message:   l.Message,
		Payload:   l.Payload,
		Timestamp: l.Timestamp.UTC().Format(time.RFC3339),
	}
}

// List handles GET /runs.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, _, err := h.runs.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.log.Error("failed to list runs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}
	Ok(w, items)
}

// GetByID handles GET /runs/{id}.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, runToResponse(run))
}

// Logs handles GET /runs/{id}/logs.
func (h *RunHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.runs.ListRunLogs(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]runLogResponse, len(logs))
	for i := range logs {
		items[i] = runLogToResponse(&logs[i])
	}
	Ok(w, items)
}

type createRunLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Payload string `json:"payload"`
}

// CreateLog handles POST /runs/{id}/logs.
func (h *RunHandler) CreateLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req createRunLogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Level == "" || req.Message == "" {
		ErrBadRequest(w, "level and message are required")
		return
	}

	log, err := h.runs.CreateRunLog(r.Context(), id, store.LogLevel(req.Level), req.Message, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Created(w, runLogToResponse(log))
}

// Events handles GET /runs/{id}/events.
func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.runs.ListRunEvents(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]runEventResponse, len(events))
	for i := range events {
		items[i] = runEventToResponse(&events[i])
	}
	Ok(w, items)
}

type createRunEventRequest struct {
	EventType  string `json:"event_type"`
	Message    string `json:"message"`
	Payload    string `json:"payload"`
	Screenshot string `json:"screenshot"`
}

// CreateEvent handles POST /runs/{id}/events.
func (h *RunHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req createRunEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" || req.Message == "" {
		ErrBadRequest(w, "event_type and message are required")
		return
	}

	event, err := h.runs.CreateRunEvent(r.Context(), id, req.EventType, req.Message, req.Payload, req.Screenshot)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Created(w, runEventToResponse(event))
}

type setRunStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles POST /runs/{id}/status.
func (h *RunHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req setRunStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		ErrBadRequest(w, "status is required")
		return
	}

	status := store.RunStatus(req.Status)
	run, err := h.runs.SetStatus(r.Context(), id, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// A caller-driven terminal transition (most notably an operator
	// cancelling a run) must release the bound agent the same way the
	// agent's own run.status message would (spec.md §4.7), or the agent is
	// orphaned in BUSY forever.
	if status.Terminal() && run.AgentID != nil {
		if _, err := h.agents.Release(r.Context(), *run.AgentID); err != nil {
			h.log.Warn("failed to release agent after run status change",
				zap.String("run_id", id.String()), zap.String("agent_id", *run.AgentID), zap.Error(err))
		}
	}

	Ok(w, runToResponse(run))
}
