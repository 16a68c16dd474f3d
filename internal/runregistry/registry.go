// Package runregistry owns the run state machine (spec.md §4.2). Every
// mutation is serialized through the Store and emits run.created/run.updated
// on the EventBus, grounded on the teacher's repositories/job.go CRUD shape
// generalized with an explicit transition table.
package runregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/errs"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

// Registry owns run creation and every subsequent state transition.
type Registry struct {
	store store.Store
	bus   *eventbus.Bus
	clock clock.Clock
	log   *zap.Logger
}

// New constructs a Registry.
func New(st store.Store, bus *eventbus.Bus, clk clock.Clock, log *zap.Logger) *Registry {
	return &Registry{store: st, bus: bus, clock: clk, log: log.Named("runregistry")}
}

// transitions enumerates the legal edges of the state machine in §4.2. Any
// transition not listed here is a programming error and Registry.SetStatus
// rejects it with errs.Conflict.
var transitions = map[store.RunStatus][]store.RunStatus{
	store.RunScheduled: {store.RunQueued},
	store.RunQueued:    {store.RunStarting, store.RunError},
	store.RunStarting:  {store.RunRunning, store.RunError},
	store.RunRunning:   {store.RunCompleted, store.RunError, store.RunCancelled},
}

func canTransition(from, to store.RunStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Create makes an immediately-queued run for a bot (spec.md §4.2: QUEUED,
// agent_id = null, start_time = now at creation).
func (r *Registry) Create(ctx context.Context, botID uuid.UUID) (*store.Run, error) {
	now := r.clock.Now().UTC()
	run := &store.Run{
		BotID:     botID,
		Status:    store.RunQueued,
		StartTime: &now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.log.Info("run created", zap.String("run_id", run.ID.String()), zap.String("bot_id", botID.String()))
	r.publish(run, "run.created")
	return run, nil
}

// Schedule creates a SCHEDULED run whose start_time is a future cron firing
// (spec.md §4.3 step 3).
func (r *Registry) Schedule(ctx context.Context, botID uuid.UUID, startTime time.Time) (*store.Run, error) {
	run := &store.Run{
		BotID:     botID,
		Status:    store.RunScheduled,
		StartTime: &startTime,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.log.Info("run scheduled", zap.String("run_id", run.ID.String()), zap.String("bot_id", botID.String()), zap.Time("start_time", startTime))
	r.publish(run, "run.created")
	return run, nil
}

// FindScheduledRun returns the SCHEDULED run for botID at exactly startTime,
// if one already exists — the Scheduler's duplicate guard (spec.md §4.3
// step 2).
func (r *Registry) FindScheduledRun(ctx context.Context, botID uuid.UUID, startTime time.Time) (*store.Run, error) {
	return r.store.FindScheduledRun(ctx, botID, startTime)
}

// ListDueScheduled returns SCHEDULED runs ready for Dispatcher Phase A.
func (r *Registry) ListDueScheduled(ctx context.Context) ([]store.Run, error) {
	return r.store.ListDueScheduled(ctx, r.clock.Now().UTC())
}

// Promote transitions a SCHEDULED run to QUEUED, preserving start_time
// (Dispatcher Phase A, spec.md §4.4).
func (r *Registry) Promote(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !canTransition(run.Status, store.RunQueued) {
		return nil, errs.New(errs.Conflict, fmt.Sprintf("cannot promote run in status %s", run.Status))
	}
	run.Status = store.RunQueued
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(run, "run.updated")
	return run, nil
}

// ListQueuedOrdered returns QUEUED runs ordered by start_time ascending,
// ties broken by id (Dispatcher Phase B, spec.md §4.4).
func (r *Registry) ListQueuedOrdered(ctx context.Context) ([]store.Run, error) {
	return r.store.ListQueuedOrdered(ctx)
}

// ListStuck returns runs in {STARTING, RUNNING} whose start_time precedes
// cutoff (Janitor stuck-run sweep, spec.md §4.6).
func (r *Registry) ListStuck(ctx context.Context, cutoff time.Time) ([]store.Run, error) {
	return r.store.ListStuck(ctx, cutoff)
}

// Get returns a run by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	return r.store.GetRun(ctx, id)
}

// List returns a page of all runs, most recent first.
func (r *Registry) List(ctx context.Context, opts store.ListOptions) ([]store.Run, int64, error) {
	return r.store.ListRuns(ctx, opts)
}

// ListByBot returns a page of runs for a given bot.
func (r *Registry) ListByBot(ctx context.Context, botID uuid.UUID, opts store.ListOptions) ([]store.Run, int64, error) {
	return r.store.ListRunsByBot(ctx, botID, opts)
}

// ListByAgent returns a page of runs that have been bound to a given agent.
func (r *Registry) ListByAgent(ctx context.Context, agentID string, opts store.ListOptions) ([]store.Run, int64, error) {
	return r.store.ListRunsByAgent(ctx, agentID, opts)
}

// Assign transitions QUEUED → STARTING and binds agentID (spec.md §4.2,
// I2: a run in {STARTING,...} has agent_id != null).
func (r *Registry) Assign(ctx context.Context, runID uuid.UUID, agentID string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !canTransition(run.Status, store.RunStarting) {
		return nil, errs.New(errs.Conflict, fmt.Sprintf("cannot assign agent to run in status %s", run.Status))
	}
	run.Status = store.RunStarting
	run.AgentID = &agentID
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(run, "run.updated")
	return run, nil
}

// Fail transitions a run directly to ERROR, recording end_time. Used by the
// Dispatcher when a queued run's bot is missing (QUEUED → ERROR) or its
// transport dispatch fails after assignment (STARTING → ERROR), and by the
// Janitor's stuck-run sweep (STARTING/RUNNING → ERROR).
func (r *Registry) Fail(ctx context.Context, runID uuid.UUID, reason string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	now := r.clock.Now().UTC()
	run.Status = store.RunError
	run.EndTime = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	r.log.Warn("run failed", zap.String("run_id", run.ID.String()), zap.String("reason", reason))
	r.publish(run, "run.updated")
	return run, nil
}

// SetStatus applies an agent- or API-reported status change, validating it
// against the transition table and populating end_time on any terminal
// transition (I3). CANCELLED is honored only from QUEUED/STARTING/RUNNING;
// from a terminal state it is a no-op that returns the current run
// unchanged (spec.md §5).
func (r *Registry) SetStatus(ctx context.Context, runID uuid.UUID, status store.RunStatus) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		if status == store.RunCancelled {
			return run, nil
		}
		return nil, errs.New(errs.Conflict, fmt.Sprintf("illegal transition %s -> %s", run.Status, status))
	}

	if status == store.RunCancelled && run.Status != store.RunScheduled {
		// CANCELLED is reachable from QUEUED and STARTING as well as RUNNING,
		// not just the successor set of the ordinary forward machine.
	} else if !canTransition(run.Status, status) {
		return nil, errs.New(errs.Conflict, fmt.Sprintf("illegal transition %s -> %s", run.Status, status))
	}

	run.Status = status
	if status.Terminal() {
		now := r.clock.Now().UTC()
		run.EndTime = &now
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	r.publish(run, "run.updated")

	if status == store.RunRunning {
		if _, err := r.CreateRunEvent(ctx, run.ID, "info", "Run has started", "", ""); err != nil {
			r.log.Warn("failed to record run-started audit event", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}

	return run, nil
}

// CreateRunEvent appends a RunEvent and publishes run.event_created.
func (r *Registry) CreateRunEvent(ctx context.Context, runID uuid.UUID, eventType, message, payload, screenshot string) (*store.RunEvent, error) {
	if _, err := r.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	ev := &store.RunEvent{
		RunID:      runID,
		EventType:  eventType,
		Message:    message,
		Payload:    payload,
		Screenshot: screenshot,
		Timestamp:  r.clock.Now().UTC(),
	}
	if err := r.store.CreateRunEvent(ctx, ev); err != nil {
		return nil, err
	}
	r.bus.Publish(eventbus.Event{Topic: "run:" + runID.String(), Kind: "run.event_created", Data: ev})
	r.bus.Publish(eventbus.Event{Topic: "runs", Kind: "run.event_created", Data: ev})
	return ev, nil
}

// ListRunEvents returns all RunEvents for a run, oldest first.
func (r *Registry) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]store.RunEvent, error) {
	return r.store.ListRunEvents(ctx, runID)
}

// CreateRunLog appends a RunLog and publishes run.log_created.
func (r *Registry) CreateRunLog(ctx context.Context, runID uuid.UUID, level store.LogLevel, message, payload string) (*store.RunLog, error) {
	if _, err := r.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	log := &store.RunLog{
		RunID:     runID,
		Level:     level,
		Message:   message,
		Payload:   payload,
		Timestamp: r.clock.Now().UTC(),
	}
	if err := r.store.CreateRunLog(ctx, log); err != nil {
		return nil, err
	}
	r.bus.Publish(eventbus.Event{Topic: "run:" + runID.String(), Kind: "run.log_created", Data: log})
	r.bus.Publish(eventbus.Event{Topic: "runs", Kind: "run.log_created", Data: log})
	return log, nil
}

// ListRunLogs returns all RunLogs for a run, oldest first.
func (r *Registry) ListRunLogs(ctx context.Context, runID uuid.UUID) ([]store.RunLog, error) {
	return r.store.ListRunLogs(ctx, runID)
}

func (r *Registry) publish(run *store.Run, kind string) {
	r.bus.Publish(eventbus.Event{Topic: "run:" + run.ID.String(), Kind: kind, Data: run})
	r.bus.Publish(eventbus.Event{Topic: "runs", Kind: kind, Data: run})
}
