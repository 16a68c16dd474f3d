package runregistry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, clock.Clock) {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	fake := clock.NewFake()
	reg := New(store.NewMemoryStore(), bus, fake, zap.NewNop())
	return reg, fake
}

func TestRegistry_CreateQueuesImmediatelyWithStartTimeNow(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Nil(t, run.AgentID)
	require.NotNil(t, run.StartTime)
	assert.True(t, run.StartTime.Equal(fake.Now().UTC()))
}

func TestRegistry_FullHappyPathTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	botID := uuid.New()

	run, err := reg.Create(ctx, botID)
	require.NoError(t, err)

	run, err = reg.Assign(ctx, run.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunStarting, run.Status)
	require.NotNil(t, run.AgentID)
	assert.Equal(t, "agent-1", *run.AgentID)

	run, err = reg.SetStatus(ctx, run.ID, store.RunRunning)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Nil(t, run.EndTime)

	run, err = reg.SetStatus(ctx, run.ID, store.RunCompleted)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	require.NotNil(t, run.EndTime)
	assert.Equal(t, botID, run.BotID, "bot_id must be unchanged across the run lifecycle")
}

func TestRegistry_SetStatusRejectsIllegalTransition(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, uuid.New())
	require.NoError(t, err)

	// QUEUED -> RUNNING is not a legal direct transition.
	_, err = reg.SetStatus(ctx, run.ID, store.RunRunning)
	require.Error(t, err)
}

func TestRegistry_SetStatusFromTerminalIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, uuid.New())
	require.NoError(t, err)
	run, err = reg.Fail(ctx, run.ID, "dispatch failure")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)

	again, err := reg.SetStatus(ctx, run.ID, store.RunCancelled)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, again.Status, "terminal runs must not be overwritten")
}

func TestRegistry_CancelledReachableFromRunning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	run, err := reg.Create(ctx, uuid.New())
	require.NoError(t, err)
	run, err = reg.Assign(ctx, run.ID, "agent-1")
	require.NoError(t, err)
	run, err = reg.SetStatus(ctx, run.ID, store.RunRunning)
	require.NoError(t, err)

	run, err = reg.SetStatus(ctx, run.ID, store.RunCancelled)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.NotNil(t, run.EndTime)
}

func TestRegistry_ScheduleDuplicateGuard(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	botID := uuid.New()
	fireTime := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	_, err := reg.Schedule(ctx, botID, fireTime)
	require.NoError(t, err)

	existing, err := reg.FindScheduledRun(ctx, botID, fireTime)
	require.NoError(t, err)
	require.NotNil(t, existing, "duplicate guard must find the already-scheduled run")
}

func TestRegistry_ListQueuedOrderedIsFIFOByStartTime(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()
	botID := uuid.New()

	_, err := reg.Create(ctx, botID)
	require.NoError(t, err)
	fake.Advance(time.Second)
	_, err = reg.Create(ctx, botID)
	require.NoError(t, err)

	queued, err := reg.ListQueuedOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.True(t, queued[0].StartTime.Before(*queued[1].StartTime))
}
