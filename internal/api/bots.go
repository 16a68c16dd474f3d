package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

// BotHandler groups the bot-related HTTP handlers (spec.md §6.1).
type BotHandler struct {
	bots *botregistry.Registry
	runs *runregistry.Registry
	log  *zap.Logger
}

// NewBotHandler creates a new BotHandler.
func NewBotHandler(bots *botregistry.Registry, runs *runregistry.Registry, log *zap.Logger) *BotHandler {
	return &BotHandler{bots: bots, runs: runs, log: log.Named("bot_handler")}
}

type botResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Script    string `json:"script"`
	Schedule  string `json:"schedule"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func botToResponse(b *store.Bot) botResponse {
	return botResponse{
		ID:        b.ID.String(),
		Name:      b.Name,
		Script:    b.Script,
		Schedule:  b.Schedule,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /bots.
func (h *BotHandler) List(w http.ResponseWriter, r *http.Request) {
	bots, _, err := h.bots.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.log.Error("failed to list bots", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]botResponse, len(bots))
	for i := range bots {
		items[i] = botToResponse(&bots[i])
	}
	Ok(w, items)
}

type createBotRequest struct {
	Name     string `json:"name"`
	Script   string `json:"script"`
	Schedule string `json:"schedule"`
}

// Create handles POST /bots.
func (h *BotHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Script == "" {
		ErrBadRequest(w, "name and script are required")
		return
	}

	bot, err := h.bots.Create(r.Context(), botregistry.CreateInput{
		Name: req.Name, Script: req.Script, Schedule: req.Schedule,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Created(w, botToResponse(bot))
}

// GetByID handles GET /bots/{id}.
func (h *BotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	bot, err := h.bots.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, botToResponse(bot))
}

type updateBotRequest struct {
	Name     *string `json:"name"`
	Script   *string `json:"script"`
	Schedule *string `json:"schedule"`
}

// Update handles PUT /bots/{id}.
func (h *BotHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateBotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	bot, err := h.bots.Update(r.Context(), id, botregistry.UpdateInput{
		Name: req.Name, Script: req.Script, Schedule: req.Schedule,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, botToResponse(bot))
}

// Delete handles DELETE /bots/{id}.
func (h *BotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.bots.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, envelope{"ok": true})
}

// Runs handles GET /bots/{id}/runs.
func (h *BotHandler) Runs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	runs, _, err := h.runs.ListByBot(r.Context(), id, paginationOpts(r))
	if err != nil {
		h.log.Error("failed to list runs for bot", zap.String("bot_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}
	Ok(w, items)
}

// CreateRun handles POST /bots/{id}/runs. It creates an immediately QUEUED
// run (spec.md §6.1) rather than a SCHEDULED one — that path belongs to the
// Scheduler.
func (h *BotHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.bots.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	run, err := h.runs.Create(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Created(w, envelope{"run_id": run.ID.String()})
}
