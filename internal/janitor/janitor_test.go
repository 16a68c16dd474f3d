package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

func newHarness(t *testing.T) (*Janitor, *agentregistry.Registry, *runregistry.Registry, clock.FakeClock) {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	st := store.NewMemoryStore()
	fake := clock.NewFake()
	agents := agentregistry.New(st, bus, fake, zap.NewNop(), time.Second)
	runs := runregistry.New(st, bus, fake, zap.NewNop())
	j := New(agents, runs, fake, zap.NewNop())
	return j, agents, runs, fake
}

func TestJanitor_AgentLivenessScenario(t *testing.T) {
	j, agents, _, fake := newHarness(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)

	fake.Advance(6 * time.Second) // > 5x heartbeatInterval (1s)
	j.Tick(ctx)

	a, err := agents.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, a.Status)

	_, err = agents.Heartbeat(ctx, "A1")
	require.NoError(t, err)
	a, err = agents.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, a.Status)
}

func TestJanitor_StuckRunRecovery(t *testing.T) {
	j, agents, runs, fake := newHarness(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)
	acquired, err := agents.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, acquired)

	run, err := runs.Create(ctx, uuid.New())
	require.NoError(t, err)
	_, err = runs.Assign(ctx, run.ID, "A1")
	require.NoError(t, err)
	_, err = runs.SetStatus(ctx, run.ID, store.RunRunning)
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)
	// The agent stays live while its run is stuck, so the stale-agent sweep
	// leaves it BUSY and only the stuck-run sweep acts.
	_, err = agents.Heartbeat(ctx, "A1")
	require.NoError(t, err)
	j.Tick(ctx)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, got.Status)
	require.NotNil(t, got.EndTime)

	agent, err := agents.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, agent.Status, "stuck run's agent must be released")
}

func TestJanitor_IdempotentAcrossRepeatedTicks(t *testing.T) {
	j, agents, runs, fake := newHarness(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)
	run, err := runs.Create(ctx, uuid.New())
	require.NoError(t, err)
	_, err = runs.Assign(ctx, run.ID, "A1")
	require.NoError(t, err)
	_, err = runs.SetStatus(ctx, run.ID, store.RunRunning)
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)
	j.Tick(ctx)
	first, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)

	j.Tick(ctx)
	j.Tick(ctx)
	second, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.EndTime, second.EndTime)
}
