package inbound

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

// Router translates decoded agent-originated messages into registry calls
// (spec.md §4.7). Every Handle call is idempotent under replay and never
// returns an error to its caller: a malformed payload is logged and
// dropped, it must never terminate the connection or the process.
type Router struct {
	agents *agentregistry.Registry
	runs   *runregistry.Registry
	bus    *eventbus.Bus
	log    *zap.Logger
}

// New constructs a Router.
func New(agents *agentregistry.Registry, runs *runregistry.Registry, bus *eventbus.Bus, log *zap.Logger) *Router {
	return &Router{agents: agents, runs: runs, bus: bus, log: log.Named("inbound")}
}

// Handle dispatches a single envelope by its Type tag.
func (r *Router) Handle(ctx context.Context, env Envelope) {
	switch Kind(env.Type) {
	case KindAgentHeartbeat:
		r.handleAgentHeartbeat(ctx, env.Payload)
	case KindAgentStatus:
		r.handleAgentStatus(ctx, env.Payload)
	case KindAgentLog:
		r.handleAgentLog(ctx, env.Payload)
	case KindRunEvent:
		r.handleRunEvent(ctx, env.Payload)
	case KindRunLog:
		r.handleRunLog(ctx, env.Payload)
	case KindRunStatus:
		r.handleRunStatus(ctx, env.Payload)
	default:
		r.log.Warn("dropping inbound message with unknown type", zap.String("type", env.Type))
	}
}

func (r *Router) handleAgentHeartbeat(ctx context.Context, raw []byte) {
	var p agentHeartbeatPayload
	if !r.decode(raw, &p, "agent.heartbeat") {
		return
	}
	if p.AgentID == "" {
		r.log.Warn("dropping agent.heartbeat: missing agent_id")
		return
	}
	if _, err := r.agents.Heartbeat(ctx, p.AgentID); err != nil {
		r.log.Warn("agent.heartbeat failed", zap.String("agent_id", p.AgentID), zap.Error(err))
	}
}

func (r *Router) handleAgentStatus(ctx context.Context, raw []byte) {
	var p agentStatusPayload
	if !r.decode(raw, &p, "agent.status") {
		return
	}
	if p.AgentID == "" || p.Status == "" {
		r.log.Warn("dropping agent.status: missing agent_id or status")
		return
	}
	if _, err := r.agents.SetStatus(ctx, p.AgentID, store.AgentStatus(p.Status)); err != nil {
		r.log.Warn("agent.status failed", zap.String("agent_id", p.AgentID), zap.Error(err))
	}
}

// handleAgentLog is not persisted in the core (spec.md §4.7): it is
// re-published for any Observer subscriber and otherwise discarded.
func (r *Router) handleAgentLog(_ context.Context, raw []byte) {
	var p agentLogPayload
	if !r.decode(raw, &p, "agent.log") {
		return
	}
	if p.AgentID == "" {
		r.log.Warn("dropping agent.log: missing agent_id")
		return
	}
	r.bus.Publish(eventbus.Event{
		Topic: "agent:" + p.AgentID,
		Kind:  "agent.log_created",
		Data:  p,
	})
	r.bus.Publish(eventbus.Event{
		Topic: "agents",
		Kind:  "agent.log_created",
		Data:  p,
	})
}

func (r *Router) handleRunEvent(ctx context.Context, raw []byte) {
	var p runEventPayload
	if !r.decode(raw, &p, "run.event") {
		return
	}
	runID, ok := r.parseRunID(p.RunID, "run.event")
	if !ok {
		return
	}
	if _, err := r.runs.CreateRunEvent(ctx, runID, p.EventType, p.Message, p.Payload, p.Screenshot); err != nil {
		r.log.Warn("run.event failed", zap.String("run_id", p.RunID), zap.Error(err))
	}
}

func (r *Router) handleRunLog(ctx context.Context, raw []byte) {
	var p runLogPayload
	if !r.decode(raw, &p, "run.log") {
		return
	}
	runID, ok := r.parseRunID(p.RunID, "run.log")
	if !ok {
		return
	}
	if _, err := r.runs.CreateRunLog(ctx, runID, store.LogLevel(p.Level), p.Message, p.Payload); err != nil {
		r.log.Warn("run.log failed", zap.String("run_id", p.RunID), zap.Error(err))
	}
}

// handleRunStatus applies the status transition and, on any terminal
// outcome, releases the run's bound agent back to the pool (spec.md §4.7).
func (r *Router) handleRunStatus(ctx context.Context, raw []byte) {
	var p runStatusPayload
	if !r.decode(raw, &p, "run.status") {
		return
	}
	runID, ok := r.parseRunID(p.RunID, "run.status")
	if !ok {
		return
	}
	if p.Status == "" {
		r.log.Warn("dropping run.status: missing status", zap.String("run_id", p.RunID))
		return
	}

	status := store.RunStatus(p.Status)
	run, err := r.runs.SetStatus(ctx, runID, status)
	if err != nil {
		r.log.Warn("run.status failed", zap.String("run_id", p.RunID), zap.Error(err))
		return
	}

	if status.Terminal() && run.AgentID != nil {
		if _, err := r.agents.Release(ctx, *run.AgentID); err != nil {
			r.log.Warn("run.status: failed to release agent",
				zap.String("run_id", p.RunID), zap.String("agent_id", *run.AgentID), zap.Error(err))
		}
	}
}

func (r *Router) decode(raw []byte, v any, kind string) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		r.log.Warn("dropping malformed inbound message", zap.String("type", kind), zap.Error(err))
		return false
	}
	return true
}

func (r *Router) parseRunID(s, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		r.log.Warn("dropping message with invalid run_id", zap.String("type", kind), zap.String("run_id", s))
		return uuid.Nil, false
	}
	return id, true
}
