package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentstream"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/inbound"
	"github.com/botfleet/orchestrator/internal/observer"
)

// ObserverHandler handles the outbound event-stream upgrade endpoint
// (spec.md §6.2 Observer stream). Topic subscription is declared at
// connection time via the `topics` query parameter; an empty list means
// "subscribe to everything" is not supported — callers must opt in.
//
// Example connection URL:
//
//	ws://host/observe?topics=runs,agents
type ObserverHandler struct {
	bus *eventbus.Bus
	log *zap.Logger
}

// NewObserverHandler creates a new ObserverHandler.
func NewObserverHandler(bus *eventbus.Bus, log *zap.Logger) *ObserverHandler {
	return &ObserverHandler{bus: bus, log: log.Named("observer_handler")}
}

// ServeWS handles GET /observe. It blocks until the connection closes.
func (h *ObserverHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		ErrBadRequest(w, "topics query parameter is required")
		return
	}

	client, err := observer.NewClient(w, r, h.bus, topics, h.log)
	if err != nil {
		h.log.Warn("observer: upgrade failed", zap.Error(err))
		return
	}

	h.log.Info("observer: client connected", zap.String("remote_addr", r.RemoteAddr), zap.Strings("topics", topics))
	client.Run()
	h.log.Info("observer: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// AgentStreamHandler handles the inbound agent-event upgrade endpoint
// (spec.md §6.2 Agent stream, §4.7).
type AgentStreamHandler struct {
	router *inbound.Router
	log    *zap.Logger
}

// NewAgentStreamHandler creates a new AgentStreamHandler.
func NewAgentStreamHandler(router *inbound.Router, log *zap.Logger) *AgentStreamHandler {
	return &AgentStreamHandler{router: router, log: log.Named("agentstream_handler")}
}

// ServeWS handles GET /agents/stream. It blocks until the connection closes.
func (h *AgentStreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := agentstream.Accept(w, r, h.router, h.log)
	if err != nil {
		h.log.Warn("agentstream: upgrade failed", zap.Error(err))
		return
	}

	h.log.Info("agentstream: agent connected", zap.String("remote_addr", r.RemoteAddr))
	conn.Run(r.Context())
	h.log.Info("agentstream: agent disconnected", zap.String("remote_addr", r.RemoteAddr))
}
