package agentregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store, clock.Clock) {
	t.Helper()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	fake := clock.NewFake()
	st := store.NewMemoryStore()
	reg := New(st, bus, fake, zap.NewNop(), 10*time.Second)
	return reg, st, fake
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a1, err := reg.Register(ctx, RegisterInput{AgentID: "agent-1", PublicURL: "http://10.0.0.1:9000"})
	require.NoError(t, err)

	a2, err := reg.Register(ctx, RegisterInput{AgentID: "agent-1", PublicURL: "http://10.0.0.1:9001"})
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, "http://10.0.0.1:9001", a2.PublicURL)
}

func TestRegistry_HeartbeatRevivesOfflineAgent(t *testing.T) {
	reg, st, fake := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{AgentID: "agent-1", PublicURL: "http://x"})
	require.NoError(t, err)

	fake.Advance(reg.StaleMaxAge() + time.Second)
	_, err = reg.SweepStale(ctx)
	require.NoError(t, err)

	offline, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, offline.Status)

	revived, err := reg.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, revived.Status)
}

func TestRegistry_AcquireExcludesUnavailableAgent(t *testing.T) {
	reg, _, fake := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{AgentID: "agent-1", PublicURL: "http://x"})
	require.NoError(t, err)

	fake.Advance(reg.AvailableMaxAge() + time.Second)

	agent, err := reg.Acquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, agent, "an agent whose heartbeat exceeded the liveness cutoff must not be acquirable")
}

func TestRegistry_AcquireThenReleaseRoundTrips(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{AgentID: "agent-1", PublicURL: "http://x"})
	require.NoError(t, err)

	acquired, err := reg.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.Equal(t, store.AgentBusy, acquired.Status)

	none, err := reg.Acquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	released, err := reg.Release(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, released.Status)
}
