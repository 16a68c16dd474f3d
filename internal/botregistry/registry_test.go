package botregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/errs"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)
	return New(store.NewMemoryStore(), bus, zap.NewNop())
}

func TestRegistry_CreateRejectsInvalidCron(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create(context.Background(), CreateInput{Name: "b1", Script: "s1", Schedule: "not a cron"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestRegistry_CreateAcceptsEmptySchedule(t *testing.T) {
	reg := newTestRegistry(t)
	bot, err := reg.Create(context.Background(), CreateInput{Name: "b1", Script: "s1"})
	require.NoError(t, err)
	assert.Empty(t, bot.Schedule)
}

func TestRegistry_CreateAcceptsValidCron(t *testing.T) {
	reg := newTestRegistry(t)
	bot, err := reg.Create(context.Background(), CreateInput{Name: "b1", Script: "s1", Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", bot.Schedule)
}

func TestRegistry_UpdateRejectsInvalidCron(t *testing.T) {
	reg := newTestRegistry(t)
	bot, err := reg.Create(context.Background(), CreateInput{Name: "b1", Script: "s1"})
	require.NoError(t, err)

	bad := "99 99 99 99 99"
	_, err = reg.Update(context.Background(), bot.ID, UpdateInput{Schedule: &bad})
	require.Error(t, err)
}

func TestRegistry_DeleteDoesNotCascadeToRuns(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	bot, err := reg.Create(ctx, CreateInput{Name: "b1", Script: "s1"})
	require.NoError(t, err)
	run := &store.Run{BotID: bot.ID, Status: store.RunQueued}
	require.NoError(t, reg.store.CreateRun(ctx, run))
	require.NoError(t, reg.Delete(ctx, bot.ID))

	_, err = reg.Get(ctx, bot.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = reg.store.GetRun(ctx, run.ID)
	assert.NoError(t, err, "deleting a bot must leave its runs in place")
}
