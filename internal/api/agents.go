package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

// AgentHandler groups the agent-related HTTP handlers (spec.md §6.1).
type AgentHandler struct {
	agents *agentregistry.Registry
	runs   *runregistry.Registry
	log    *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agents *agentregistry.Registry, runs *runregistry.Registry, log *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, runs: runs, log: log.Named("agent_handler")}
}

type agentResponse struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	Status        string          `json:"status"`
	PublicURL     string          `json:"public_url"`
	Resources     json.RawMessage `json:"resources"`
	LastHeartbeat string          `json:"last_heartbeat"`
	CreatedAt     string          `json:"created_at"`
}

func agentToResponse(a *store.Agent) agentResponse {
	resources := json.RawMessage(a.Resources)
	if len(resources) == 0 {
		resources = json.RawMessage("null")
	}
	return agentResponse{
		ID:            a.ID.String(),
		AgentID:       a.AgentID,
		Status:        string(a.Status),
		PublicURL:     a.PublicURL,
		Resources:     resources,
		LastHeartbeat: a.LastHeartbeat.UTC().Format(time.RFC3339),
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, _, err := h.agents.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.log.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}
	Ok(w, items)
}

// Available handles GET /agents/available.
func (h *AgentHandler) Available(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAvailable(r.Context())
	if err != nil {
		h.log.Error("failed to list available agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}
	Ok(w, items)
}

type registerAgentRequest struct {
	AgentID   string         `json:"agent_id"`
	PublicURL string         `json:"public_url"`
	Resources map[string]any `json:"resources"`
}

// Register handles POST /agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.PublicURL == "" {
		ErrBadRequest(w, "agent_id and public_url are required")
		return
	}

	agent, err := h.agents.Register(r.Context(), agentregistry.RegisterInput{
		AgentID: req.AgentID, PublicURL: req.PublicURL, Resources: req.Resources,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Created(w, agentToResponse(agent))
}

// GetByID handles GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, err := h.agents.Get(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// Runs handles GET /agents/{id}/runs.
func (h *AgentHandler) Runs(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	runs, _, err := h.runs.ListByAgent(r.Context(), agentID, paginationOpts(r))
	if err != nil {
		h.log.Error("failed to list runs for agent", zap.String("agent_id", agentID), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}
	Ok(w, items)
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, err := h.agents.Heartbeat(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

type setAgentStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles POST /agents/{id}/status.
func (h *AgentHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req setAgentStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		ErrBadRequest(w, "status is required")
		return
	}

	agent, err := h.agents.SetStatus(r.Context(), agentID, store.AgentStatus(req.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}
