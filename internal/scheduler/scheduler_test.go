package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

func newHarness(t *testing.T) (*Scheduler, *botregistry.Registry, *runregistry.Registry, clock.FakeClock, store.Store) {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	st := store.NewMemoryStore()
	fake := clock.NewFake()
	bots := botregistry.New(st, bus, zap.NewNop())
	runs := runregistry.New(st, bus, fake, zap.NewNop())
	sched, err := New(bots, runs, fake, zap.NewNop())
	require.NoError(t, err)
	return sched, bots, runs, fake, st
}

func TestScheduler_CronSchedulingMaterializesNextFiring(t *testing.T) {
	sched, bots, runs, fake, _ := newHarness(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	fake.Advance(base.Sub(fake.Now()))

	bot, err := bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "s1", Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	sched.Tick(ctx)

	all, total, err := runs.ListByBot(ctx, bot.ID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, all, 1)
	assert.Equal(t, store.RunScheduled, all[0].Status)
	expected := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	assert.True(t, all[0].StartTime.Equal(expected))
}

func TestScheduler_DuplicateGuardSkipsSecondTick(t *testing.T) {
	sched, bots, runs, fake, _ := newHarness(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	fake.Advance(base.Sub(fake.Now()))

	bot, err := bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "s1", Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	sched.Tick(ctx)
	fake.Advance(50 * time.Second) // still before next_fire, still within same cron interval
	sched.Tick(ctx)

	_, total, err := runs.ListByBot(ctx, bot.ID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "a second tick before the next firing must not create a duplicate")
}

func TestScheduler_InvalidCronIsSkippedNotFatal(t *testing.T) {
	sched, bots, runs, _, st := newHarness(t)
	ctx := context.Background()

	// Bypass botregistry's own validation to simulate a record that became
	// invalid after being written (e.g. hand-edited in the store).
	bad := store.Bot{Name: "bad", Script: "s1", Schedule: "not a cron"}
	require.NoError(t, st.CreateBot(ctx, &bad))
	good, err := bots.Create(ctx, botregistry.CreateInput{Name: "good", Script: "s2", Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	assert.NotPanics(t, func() { sched.Tick(ctx) })

	_, total, err := runs.ListByBot(ctx, good.ID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "a valid bot's schedule must still be materialized despite another bot's bad cron")

	_, badTotal, err := runs.ListByBot(ctx, bad.ID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 0, badTotal, "a bot with an invalid cron must be skipped")
}
