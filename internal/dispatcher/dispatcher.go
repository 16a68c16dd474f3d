// Package dispatcher implements the Dispatcher's two-phase tick (spec.md
// §4.4): Phase A promotes due SCHEDULED runs to QUEUED; Phase B drains the
// QUEUED set onto available agents via Transport.startRun. Grounded on the
// teacher's scheduler.Scheduler gocron wiring, generalized into a
// promote-then-drain job with its own mutex for Phase B serialization.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
	"github.com/botfleet/orchestrator/internal/transport"
)

// Dispatcher promotes due scheduled runs and drains the queue onto agents.
type Dispatcher struct {
	runs      *runregistry.Registry
	bots      *botregistry.Registry
	agents    *agentregistry.Registry
	transport transport.Transport
	log       *zap.Logger

	// phaseBMu serializes Phase B across the whole process: combined with
	// AgentRegistry.Acquire's linearizability, this establishes invariant I1
	// (spec.md §4.4 "Concurrency contract").
	phaseBMu sync.Mutex
}

// New constructs a Dispatcher.
func New(runs *runregistry.Registry, bots *botregistry.Registry, agents *agentregistry.Registry, tr transport.Transport, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		runs:      runs,
		bots:      bots,
		agents:    agents,
		transport: tr,
		log:       log.Named("dispatcher"),
	}
}

// Tick runs Phase A then Phase B once. Called on the periodic tick; runs
// created via the API wait for the next tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.promoteScheduled(ctx)
	d.drainQueue(ctx)
}

// promoteScheduled is Phase A: find all SCHEDULED runs with start_time <=
// now and transition each to QUEUED, preserving start_time.
func (d *Dispatcher) promoteScheduled(ctx context.Context) {
	due, err := d.runs.ListDueScheduled(ctx)
	if err != nil {
		d.log.Error("phase a: failed to list due scheduled runs", zap.Error(err))
		return
	}
	for _, run := range due {
		if _, err := d.runs.Promote(ctx, run.ID); err != nil {
			d.log.Error("phase a: failed to promote run", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}
}

// drainQueue is Phase B: select all QUEUED runs ordered by start_time
// ascending, then for each in turn acquire an agent and dispatch, stopping
// as soon as the fleet is saturated.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	d.phaseBMu.Lock()
	defer d.phaseBMu.Unlock()

	queued, err := d.runs.ListQueuedOrdered(ctx)
	if err != nil {
		d.log.Error("phase b: failed to list queued runs", zap.Error(err))
		return
	}

	for _, run := range queued {
		if !d.dispatchOne(ctx, run) {
			// acquireOne found no candidate; the queue waits for the next tick.
			break
		}
	}
}

// dispatchOne attempts to dispatch a single queued run. It returns false iff
// no agent was available, signaling the caller to stop draining for this
// tick (spec.md §4.4 step 2: "If none, break the loop").
func (d *Dispatcher) dispatchOne(ctx context.Context, run store.Run) bool {
	bot, err := d.bots.Get(ctx, run.BotID)
	if err != nil {
		d.log.Error("phase b: bot missing for queued run", zap.String("run_id", run.ID.String()), zap.Error(err))
		if _, ferr := d.runs.Fail(ctx, run.ID, "bot not found"); ferr != nil {
			d.log.Error("phase b: failed to fail run with missing bot", zap.Error(ferr))
		}
		metrics.DispatchOutcomes.WithLabelValues("bot_missing").Inc()
		return true
	}

	agent, err := d.agents.Acquire(ctx)
	if err != nil {
		d.log.Error("phase b: failed to acquire agent", zap.Error(err))
		metrics.DispatchOutcomes.WithLabelValues("acquire_error").Inc()
		return true
	}
	if agent == nil {
		metrics.DispatchOutcomes.WithLabelValues("no_agent").Inc()
		return false
	}

	assigned, err := d.runs.Assign(ctx, run.ID, agent.AgentID)
	if err != nil {
		d.log.Error("phase b: failed to assign agent to run", zap.Error(err))
		if _, rerr := d.agents.Release(ctx, agent.AgentID); rerr != nil {
			d.log.Error("phase b: failed to release agent after assign failure", zap.Error(rerr))
		}
		metrics.DispatchOutcomes.WithLabelValues("assign_error").Inc()
		return true
	}

	err = d.transport.StartRun(ctx, agent.PublicURL, dispatchRequest(bot, assigned))
	if err != nil {
		d.log.Warn("phase b: transport dispatch failed",
			zap.String("run_id", run.ID.String()),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err))
		if _, ferr := d.runs.Fail(ctx, run.ID, "transport failure"); ferr != nil {
			d.log.Error("phase b: failed to fail run after transport error", zap.Error(ferr))
		}
		if _, rerr := d.agents.Release(ctx, agent.AgentID); rerr != nil {
			d.log.Error("phase b: failed to release agent after transport error", zap.Error(rerr))
		}
		metrics.DispatchOutcomes.WithLabelValues("transport_error").Inc()
		return true
	}

	d.log.Info("run dispatched",
		zap.String("run_id", run.ID.String()),
		zap.String("agent_id", agent.AgentID),
		zap.String("bot_id", bot.ID.String()))
	metrics.DispatchOutcomes.WithLabelValues("dispatched").Inc()
	return true
}

func dispatchRequest(bot *store.Bot, run *store.Run) transport.StartRunRequest {
	return transport.StartRunRequest{BotID: bot.ID, Script: bot.Script, RunID: run.ID}
}
