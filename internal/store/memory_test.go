package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BotCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	bot := &Bot{Name: "checkout-flow", Script: "checkout_flow", Schedule: "*/5 * * * *"}
	require.NoError(t, s.CreateBot(ctx, bot))
	require.NotEqual(t, bot.ID.String(), "00000000-0000-0000-0000-000000000000")

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "checkout-flow", got.Name)

	got.Name = "checkout-flow-v2"
	require.NoError(t, s.UpdateBot(ctx, got))

	reloaded, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "checkout-flow-v2", reloaded.Name)

	require.NoError(t, s.DeleteBot(ctx, bot.ID))
	_, err = s.GetBot(ctx, bot.ID)
	assert.Error(t, err)
}

func TestMemoryStore_UpsertAgentIsIdempotentByExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	a1 := &Agent{AgentID: "agent-west-1", Status: AgentAvailable, PublicURL: "http://10.0.0.1:9000", LastHeartbeat: now}
	require.NoError(t, s.UpsertAgent(ctx, a1))
	firstID := a1.ID

	a2 := &Agent{AgentID: "agent-west-1", Status: AgentBusy, PublicURL: "http://10.0.0.1:9000", LastHeartbeat: now.Add(time.Second)}
	require.NoError(t, s.UpsertAgent(ctx, a2))

	assert.Equal(t, firstID, a2.ID, "upsert must preserve the primary key across reconnects")

	all, total, err := s.ListAgents(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, all, 1)
	assert.Equal(t, AgentBusy, all[0].Status)
}

func TestMemoryStore_AcquireAvailable_ExcludesStaleAndBusy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	stale := &Agent{AgentID: "agent-stale", Status: AgentAvailable, LastHeartbeat: now.Add(-time.Hour)}
	busy := &Agent{AgentID: "agent-busy", Status: AgentBusy, LastHeartbeat: now}
	fresh := &Agent{AgentID: "agent-fresh", Status: AgentAvailable, LastHeartbeat: now}
	require.NoError(t, s.UpsertAgent(ctx, stale))
	require.NoError(t, s.UpsertAgent(ctx, busy))
	require.NoError(t, s.UpsertAgent(ctx, fresh))

	acquired, err := s.AcquireAvailable(ctx, now, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.Equal(t, "agent-fresh", acquired.AgentID)
	assert.Equal(t, AgentBusy, acquired.Status)

	none, err := s.AcquireAvailable(ctx, now, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, none, "no agents remain AVAILABLE after the sole candidate was acquired")
}

// TestMemoryStore_AcquireAvailable_Linearizable exercises invariant I1: under
// concurrent callers racing for the same single available agent, exactly one
// must win.
func TestMemoryStore_AcquireAvailable_Linearizable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertAgent(ctx, &Agent{AgentID: "agent-sole", Status: AgentAvailable, LastHeartbeat: now}))

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.AcquireAvailable(ctx, now, 30*time.Second)
			require.NoError(t, err)
			if a != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent caller must acquire the sole available agent")
}

func TestMemoryStore_SweepStaleAgents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertAgent(ctx, &Agent{AgentID: "agent-dead", Status: AgentAvailable, LastHeartbeat: now.Add(-time.Hour)}))
	require.NoError(t, s.UpsertAgent(ctx, &Agent{AgentID: "agent-alive", Status: AgentAvailable, LastHeartbeat: now}))

	changed, err := s.SweepStaleAgents(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "agent-dead", changed[0].AgentID)

	got, err := s.GetAgent(ctx, "agent-dead")
	require.NoError(t, err)
	assert.Equal(t, AgentOffline, got.Status)

	got, err = s.GetAgent(ctx, "agent-alive")
	require.NoError(t, err)
	assert.Equal(t, AgentAvailable, got.Status)
}

func TestMemoryStore_RunQueueOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	botID := mustCreateBot(t, s)
	now := time.Now().UTC()

	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunQueued, StartTime: &later}))
	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunQueued, StartTime: &earlier}))
	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunRunning, StartTime: &now}))

	queued, err := s.ListQueuedOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.True(t, queued[0].StartTime.Before(*queued[1].StartTime))
}

func TestMemoryStore_ListStuck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	botID := mustCreateBot(t, s)
	now := time.Now().UTC()

	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunRunning, StartTime: &old}))
	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunStarting, StartTime: &recent}))
	require.NoError(t, s.CreateRun(ctx, &Run{BotID: botID, Status: RunCompleted, StartTime: &old}))

	stuck, err := s.ListStuck(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, RunRunning, stuck[0].Status)
}

func mustCreateBot(t *testing.T, s Store) (botID uuid.UUID) {
	t.Helper()
	bot := &Bot{Name: "test-bot", Script: "test_script"}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	return bot.ID
}
