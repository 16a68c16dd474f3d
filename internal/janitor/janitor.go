// Package janitor implements the periodic recovery sweep (spec.md §4.6):
// demoting stale agents to OFFLINE and force-failing runs stuck in
// {STARTING, RUNNING} past the stuck-run cutoff. Grounded on the teacher's
// scheduler.Scheduler tick pattern, split into its own job since it has no
// dispatch responsibility.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/runregistry"
)

// StuckRunCutoff is the age past which a run still in {STARTING, RUNNING} is
// considered stuck (spec.md §4.6: "start_time < now − 1h").
const StuckRunCutoff = time.Hour

// Janitor runs the agent-liveness and stuck-run sweeps.
type Janitor struct {
	agents *agentregistry.Registry
	runs   *runregistry.Registry
	clock  clock.Clock
	log    *zap.Logger
}

// New constructs a Janitor.
func New(agents *agentregistry.Registry, runs *runregistry.Registry, clk clock.Clock, log *zap.Logger) *Janitor {
	return &Janitor{agents: agents, runs: runs, clock: clk, log: log.Named("janitor")}
}

// Tick runs the agent sweep then the stuck-run sweep once. Idempotent:
// running it repeatedly on a static store produces the same end state
// (spec.md §8 P6).
func (j *Janitor) Tick(ctx context.Context) {
	j.sweepAgents(ctx)
	j.sweepStuckRuns(ctx)
}

func (j *Janitor) sweepAgents(ctx context.Context) {
	changed, err := j.agents.SweepStale(ctx)
	if err != nil {
		j.log.Error("agent sweep failed", zap.Error(err))
		return
	}
	if len(changed) > 0 {
		metrics.AgentsSweptStale.WithLabelValues().Add(float64(len(changed)))
	}
}

func (j *Janitor) sweepStuckRuns(ctx context.Context) {
	cutoff := j.clock.Now().UTC().Add(-StuckRunCutoff)
	stuck, err := j.runs.ListStuck(ctx, cutoff)
	if err != nil {
		j.log.Error("stuck-run sweep failed to list runs", zap.Error(err))
		return
	}

	for _, run := range stuck {
		failed, err := j.runs.Fail(ctx, run.ID, "stuck run recovered by janitor")
		if err != nil {
			j.log.Error("stuck-run sweep failed to fail run", zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}
		if failed.AgentID != nil {
			if _, err := j.agents.Release(ctx, *failed.AgentID); err != nil {
				j.log.Error("stuck-run sweep failed to release agent", zap.String("agent_id", *failed.AgentID), zap.Error(err))
			}
		}
		j.log.Warn("recovered stuck run", zap.String("run_id", run.ID.String()))
		metrics.StuckRunsRecovered.WithLabelValues().Inc()
	}
}
