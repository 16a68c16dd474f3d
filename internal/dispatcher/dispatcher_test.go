package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
	"github.com/botfleet/orchestrator/internal/transport"
)

// stubTransport records every dispatch call and, optionally, fails them.
type stubTransport struct {
	mu       sync.Mutex
	calls    []transport.StartRunRequest
	failNext bool
}

func (s *stubTransport) StartRun(ctx context.Context, publicURL string, req transport.StartRunRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.failNext {
		s.failNext = false
		return assert.AnError
	}
	return nil
}

type testHarness struct {
	dispatcher *Dispatcher
	bots       *botregistry.Registry
	agents     *agentregistry.Registry
	runs       *runregistry.Registry
	transport  *stubTransport
	clock      clock.FakeClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	st := store.NewMemoryStore()
	fake := clock.NewFake()
	bots := botregistry.New(st, bus, zap.NewNop())
	agents := agentregistry.New(st, bus, fake, zap.NewNop(), 0)
	runs := runregistry.New(st, bus, fake, zap.NewNop())
	tr := &stubTransport{}
	d := New(runs, bots, agents, tr, zap.NewNop())

	return &testHarness{dispatcher: d, bots: bots, agents: agents, runs: runs, transport: tr, clock: fake}
}

func TestDispatcher_SimpleDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bot, err := h.bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "google_bot"})
	require.NoError(t, err)
	_, err = h.agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)

	run, err := h.runs.Create(ctx, bot.ID)
	require.NoError(t, err)

	h.dispatcher.Tick(ctx)

	got, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStarting, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "A1", *got.AgentID)

	require.Len(t, h.transport.calls, 1)
	assert.Equal(t, bot.ID, h.transport.calls[0].BotID)
	assert.Equal(t, "google_bot", h.transport.calls[0].Script)
	assert.Equal(t, run.ID, h.transport.calls[0].RunID)
}

func TestDispatcher_QueueingUnderContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bot, err := h.bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "s1"})
	require.NoError(t, err)
	_, err = h.agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)

	var runIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		r, err := h.runs.Create(ctx, bot.ID)
		require.NoError(t, err)
		runIDs = append(runIDs, r.ID)
	}

	h.dispatcher.Tick(ctx)

	starting := 0
	queued := 0
	for _, id := range runIDs {
		r, err := h.runs.Get(ctx, id)
		require.NoError(t, err)
		switch r.Status {
		case store.RunStarting:
			starting++
		case store.RunQueued:
			queued++
		}
	}
	assert.Equal(t, 1, starting, "exactly one run should be dispatched with a single agent")
	assert.Equal(t, 2, queued)

	first, err := h.runs.Get(ctx, runIDs[0])
	require.NoError(t, err)
	require.Equal(t, store.RunStarting, first.Status)
	_, err = h.runs.SetStatus(ctx, first.ID, store.RunRunning)
	require.NoError(t, err)
	_, err = h.runs.SetStatus(ctx, first.ID, store.RunCompleted)
	require.NoError(t, err)
	_, err = h.agents.Release(ctx, "A1")
	require.NoError(t, err)

	h.dispatcher.Tick(ctx)

	startingAfter := 0
	for _, id := range runIDs {
		r, err := h.runs.Get(ctx, id)
		require.NoError(t, err)
		if r.Status == store.RunStarting {
			startingAfter++
		}
	}
	assert.Equal(t, 1, startingAfter, "next tick should promote the next queued run")
}

func TestDispatcher_DispatchFailureReleasesAgentAndFailsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bot, err := h.bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "s1"})
	require.NoError(t, err)
	_, err = h.agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)
	h.transport.failNext = true

	run, err := h.runs.Create(ctx, bot.ID)
	require.NoError(t, err)

	h.dispatcher.Tick(ctx)

	got, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, got.Status)
	require.NotNil(t, got.EndTime)

	agent, err := h.agents.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, agent.Status, "agent must be released back to available after a dispatch failure")
}

func TestDispatcher_PhaseAPromotesOnlyWhenDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bot, err := h.bots.Create(ctx, botregistry.CreateInput{Name: "B1", Script: "s1", Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	_, err = h.agents.Register(ctx, agentregistry.RegisterInput{AgentID: "A1", PublicURL: "http://a1"})
	require.NoError(t, err)

	future := h.clock.Now().UTC().Add(5 * time.Minute)
	run, err := h.runs.Schedule(ctx, bot.ID, future)
	require.NoError(t, err)
	assert.Equal(t, store.RunScheduled, run.Status)

	h.dispatcher.Tick(ctx)
	got, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunScheduled, got.Status, "a future start_time must not be promoted early")

	h.clock.Advance(6 * time.Minute)
	_, err = h.agents.Heartbeat(ctx, "A1")
	require.NoError(t, err)
	h.dispatcher.Tick(ctx)
	got, err = h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStarting, got.Status, "once due, phase A promotes to queued and phase B dispatches it")
}
