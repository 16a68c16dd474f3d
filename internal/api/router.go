package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/inbound"
	"github.com/botfleet/orchestrator/internal/runregistry"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Bots   *botregistry.Registry
	Agents *agentregistry.Registry
	Runs   *runregistry.Registry
	Bus    *eventbus.Bus
	Router *inbound.Router
	Logger *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router implementing
// spec.md §6.1's HTTP surface plus the two WebSocket streams from §6.2.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.Runs, cfg.Logger)
	botHandler := NewBotHandler(cfg.Bots, cfg.Runs, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Agents, cfg.Logger)
	observerHandler := NewObserverHandler(cfg.Bus, cfg.Logger)
	agentStreamHandler := NewAgentStreamHandler(cfg.Router, cfg.Logger)

	r.Get("/agents", agentHandler.List)
	r.Post("/agents/register", agentHandler.Register)
	r.Get("/agents/available", agentHandler.Available)
	r.Get("/agents/{id}", agentHandler.GetByID)
	r.Get("/agents/{id}/runs", agentHandler.Runs)
	r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
	r.Post("/agents/{id}/status", agentHandler.SetStatus)

	r.Get("/bots", botHandler.List)
	r.Post("/bots", botHandler.Create)
	r.Get("/bots/{id}", botHandler.GetByID)
	r.Put("/bots/{id}", botHandler.Update)
	r.Delete("/bots/{id}", botHandler.Delete)
	r.Get("/bots/{id}/runs", botHandler.Runs)
	r.Post("/bots/{id}/runs", botHandler.CreateRun)

	r.Get("/runs", runHandler.List)
	r.Get("/runs/{id}", runHandler.GetByID)
	r.Get("/runs/{id}/logs", runHandler.Logs)
	r.Post("/runs/{id}/logs", runHandler.CreateLog)
	r.Get("/runs/{id}/events", runHandler.Events)
	r.Post("/runs/{id}/events", runHandler.CreateEvent)
	r.Post("/runs/{id}/status", runHandler.SetStatus)

	r.Get("/observe", observerHandler.ServeWS)
	r.Get("/agents/stream", agentStreamHandler.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
