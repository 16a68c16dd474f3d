// Package agentregistry owns the fleet of registered bot-runtime agents:
// registration, heartbeats, and the linearizable "acquire one available
// agent" operation the Dispatcher depends on. Grounded on the teacher's
// agentmanager.Manager (in-memory connection registry) generalized to a
// persistent, store-backed registry, and on original_source's
// app/services/agent_service.py for the liveness/staleness thresholds.
package agentregistry

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/errs"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

// Registry is the single point of contact for agent lifecycle operations.
// Safe for concurrent use; all mutating operations delegate their atomicity
// to the Store.
type Registry struct {
	store store.Store
	bus   *eventbus.Bus
	clock clock.Clock
	log   *zap.Logger

	// heartbeatInterval is the agent's self-reported ping cadence. Liveness
	// uses 2x this value, staleness 5x — spec.md §4.1/§4.6.
	heartbeatInterval time.Duration
}

// New constructs a Registry. heartbeatInterval should match the interval
// agents are configured to heartbeat at (spec.md §A.3 HEARTBEAT_INTERVAL).
func New(st store.Store, bus *eventbus.Bus, clk clock.Clock, log *zap.Logger, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		store:             st,
		bus:               bus,
		clock:             clk,
		log:               log.Named("agentregistry"),
		heartbeatInterval: heartbeatInterval,
	}
}

// AvailableMaxAge is the liveness cutoff: an AVAILABLE agent whose last
// heartbeat is older than this is treated as not truly available, even
// though its stored status has not yet been swept to OFFLINE.
func (r *Registry) AvailableMaxAge() time.Duration {
	return 2 * r.heartbeatInterval
}

// StaleMaxAge is the staleness cutoff used by the janitor's sweep: any agent
// whose heartbeat is older than this is forced to OFFLINE regardless of its
// last reported status (spec.md §4.6).
func (r *Registry) StaleMaxAge() time.Duration {
	return 5 * r.heartbeatInterval
}

// RegisterInput carries the fields an agent reports on connect or heartbeat.
type RegisterInput struct {
	AgentID   string
	PublicURL string
	Resources map[string]any
}

// Register upserts an agent by its external AgentID (spec.md §4.1). Idempotent:
// reconnecting with the same AgentID refreshes status/URL/heartbeat without
// creating a duplicate row or losing run history tied to the agent.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*store.Agent, error) {
	resources, err := json.Marshal(in.Resources)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "encode agent resources", err)
	}

	agent := &store.Agent{
		AgentID:       in.AgentID,
		Status:        store.AgentAvailable,
		Resources:     string(resources),
		PublicURL:     in.PublicURL,
		LastHeartbeat: r.clock.Now().UTC(),
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	r.log.Info("agent registered", zap.String("agent_id", in.AgentID), zap.String("public_url", in.PublicURL))
	r.publish(agent, "agent.registered")
	return agent, nil
}

// Heartbeat refreshes an agent's last-seen timestamp. Unknown agent IDs are
// rejected with errs.NotFound — agents must Register before heartbeating.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.LastHeartbeat = r.clock.Now().UTC()
	if agent.Status == store.AgentOffline {
		// A heartbeat after the staleness window means the agent reconnected;
		// restore it to AVAILABLE so the dispatcher can use it again.
		agent.Status = store.AgentAvailable
	}
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.publish(agent, "agent.heartbeat")
	return agent, nil
}

// SetStatus transitions an agent to an explicit status reported by the agent
// itself (e.g. STOPPED on graceful shutdown).
func (r *Registry) SetStatus(ctx context.Context, agentID string, status store.AgentStatus) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Status = status
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.publish(agent, "agent.updated")
	return agent, nil
}

// Get returns a single agent by external ID.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns a page of agents.
func (r *Registry) List(ctx context.Context, opts store.ListOptions) ([]store.Agent, int64, error) {
	return r.store.ListAgents(ctx, opts)
}

// ListAvailable returns agents that are live (status AVAILABLE and within
// AvailableMaxAge of now) — used for display, not dispatch (use Acquire for
// dispatch, which is linearizable).
func (r *Registry) ListAvailable(ctx context.Context) ([]store.Agent, error) {
	return r.store.ListLiveAvailable(ctx, r.clock.Now().UTC(), r.AvailableMaxAge())
}

// Acquire atomically claims one live available agent and flips it to BUSY,
// or returns (nil, nil) if the fleet is saturated. This is the only safe way
// to hand an agent to a run — invariant I1 depends on the Store's
// implementation making this linearizable against concurrent dispatchers.
func (r *Registry) Acquire(ctx context.Context) (*store.Agent, error) {
	agent, err := r.store.AcquireAvailable(ctx, r.clock.Now().UTC(), r.AvailableMaxAge())
	if err != nil {
		return nil, err
	}
	if agent != nil {
		r.publish(agent, "agent.updated")
	}
	return agent, nil
}

// Release returns an agent to AVAILABLE after its run completes — called by
// the dispatcher, the janitor, the inbound router and the API run handler
// when a run bound to the agent ends.
func (r *Registry) Release(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == store.AgentOffline || agent.Status == store.AgentStopped {
		// Do not resurrect an agent that has explicitly left the fleet.
		return agent, nil
	}
	agent.Status = store.AgentAvailable
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.publish(agent, "agent.updated")
	return agent, nil
}

// SweepStale transitions every agent whose heartbeat has exceeded
// StaleMaxAge to OFFLINE. Called periodically by the janitor (spec.md §4.6).
func (r *Registry) SweepStale(ctx context.Context) ([]store.Agent, error) {
	changed, err := r.store.SweepStaleAgents(ctx, r.clock.Now().UTC(), r.StaleMaxAge())
	if err != nil {
		return nil, err
	}
	for i := range changed {
		a := changed[i]
		r.log.Warn("agent swept to offline", zap.String("agent_id", a.AgentID), zap.Time("last_heartbeat", a.LastHeartbeat))
		r.publish(&a, "agent.updated")
	}
	return changed, nil
}

func (r *Registry) publish(agent *store.Agent, kind string) {
	r.bus.Publish(eventbus.Event{
		Topic: "agent:" + agent.AgentID,
		Kind:  kind,
		Data:  agent,
	})
	r.bus.Publish(eventbus.Event{
		Topic: "agents",
		Kind:  kind,
		Data:  agent,
	})
}
