package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/errs"
)

// memoryStore is an in-memory Store implementation for fast unit tests of
// the registries, grounded on the single RWMutex-protected map pattern of
// the teacher's agentmanager.Manager, generalized from one entity to the
// full Store surface.
type memoryStore struct {
	mu sync.RWMutex

	bots      map[uuid.UUID]Bot
	agents    map[string]Agent // keyed by external AgentID
	runs      map[uuid.UUID]Run
	runEvents map[uuid.UUID][]RunEvent
	runLogs   map[uuid.UUID][]RunLog
}

// NewMemoryStore returns an empty, ready-to-use in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		bots:      make(map[uuid.UUID]Bot),
		agents:    make(map[string]Agent),
		runs:      make(map[uuid.UUID]Run),
		runEvents: make(map[uuid.UUID][]RunEvent),
		runLogs:   make(map[uuid.UUID][]RunLog),
	}
}

func (s *memoryStore) nextID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the process-wide RNG is broken; a
		// deterministic fallback keeps tests usable even then.
		return uuid.MustParse("00000000-0000-7000-8000-000000000000")
	}
	return id
}

// --- Bots ---

func (s *memoryStore) CreateBot(ctx context.Context, bot *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot.ID == (uuid.UUID{}) {
		bot.ID = s.nextID()
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	s.bots[bot.ID] = *bot
	return nil
}

func (s *memoryStore) GetBot(ctx context.Context, id uuid.UUID) (*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "bot not found")
	}
	return &b, nil
}

func (s *memoryStore) UpdateBot(ctx context.Context, bot *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[bot.ID]; !ok {
		return errs.New(errs.NotFound, "bot not found")
	}
	s.bots[bot.ID] = *bot
	return nil
}

func (s *memoryStore) DeleteBot(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return errs.New(errs.NotFound, "bot not found")
	}
	delete(s.bots, id)
	return nil
}

func (s *memoryStore) ListBots(ctx context.Context, opts ListOptions) ([]Bot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Bot, 0, len(s.bots))
	for _, b := range s.bots {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, opts), int64(len(all)), nil
}

// --- Agents ---

func (s *memoryStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[agent.AgentID]; ok {
		existing.Status = agent.Status
		existing.Resources = agent.Resources
		existing.PublicURL = agent.PublicURL
		existing.LastHeartbeat = agent.LastHeartbeat
		s.agents[agent.AgentID] = existing
		*agent = existing
		return nil
	}

	if agent.ID == (uuid.UUID{}) {
		agent.ID = s.nextID()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	s.agents[agent.AgentID] = *agent
	return nil
}

func (s *memoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, errs.New(errs.NotFound, "agent not found")
	}
	return &a, nil
}

func (s *memoryStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.AgentID]; !ok {
		return errs.New(errs.NotFound, "agent not found")
	}
	s.agents[agent.AgentID] = *agent
	return nil
}

func (s *memoryStore) ListAgents(ctx context.Context, opts ListOptions) ([]Agent, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, opts), int64(len(all)), nil
}

func (s *memoryStore) ListLiveAvailable(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := now.Add(-maxAge)
	var out []Agent
	for _, a := range s.agents {
		if a.Status == AgentAvailable && !a.LastHeartbeat.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AcquireAvailable holds the single mutex for the whole read-then-write, so
// no separate compare-and-swap trick is needed: mutual exclusion is already
// total. This mirrors the linearizability the GORM backend achieves via a
// conditional UPDATE inside a transaction.
func (s *memoryStore) AcquireAvailable(ctx context.Context, now time.Time, maxAge time.Duration) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	var candidates []Agent
	for _, a := range s.agents {
		if a.Status == AgentAvailable && !a.LastHeartbeat.Before(cutoff) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	chosen := candidates[0]
	chosen.Status = AgentBusy
	s.agents[chosen.AgentID] = chosen
	return &chosen, nil
}

func (s *memoryStore) SweepStaleAgents(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	var changed []Agent
	for id, a := range s.agents {
		if a.Status != AgentOffline && a.LastHeartbeat.Before(cutoff) {
			a.Status = AgentOffline
			s.agents[id] = a
			changed = append(changed, a)
		}
	}
	return changed, nil
}

// --- Runs ---

func (s *memoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == (uuid.UUID{}) {
		run.ID = s.nextID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memoryStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "run not found")
	}
	return &r, nil
}

func (s *memoryStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return errs.New(errs.NotFound, "run not found")
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, opts), int64(len(all)), nil
}

func (s *memoryStore) ListRunsByBot(ctx context.Context, botID uuid.UUID, opts ListOptions) ([]Run, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []Run
	for _, r := range s.runs {
		if r.BotID == botID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, opts), int64(len(all)), nil
}

func (s *memoryStore) ListRunsByAgent(ctx context.Context, agentID string, opts ListOptions) ([]Run, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []Run
	for _, r := range s.runs {
		if r.AgentID != nil && *r.AgentID == agentID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, opts), int64(len(all)), nil
}

func (s *memoryStore) FindScheduledRun(ctx context.Context, botID uuid.UUID, startTime time.Time) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.BotID == botID && r.Status == RunScheduled && r.StartTime != nil && r.StartTime.Equal(startTime) {
			run := r
			return &run, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) ListDueScheduled(ctx context.Context, now time.Time) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.Status == RunScheduled && r.StartTime != nil && !r.StartTime.After(now) {
			out = append(out, r)
		}
	}
	sortByStartTimeThenID(out)
	return out, nil
}

func (s *memoryStore) ListQueuedOrdered(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.Status == RunQueued {
			out = append(out, r)
		}
	}
	sortByStartTimeThenID(out)
	return out, nil
}

func (s *memoryStore) ListStuck(ctx context.Context, cutoff time.Time) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if (r.Status == RunStarting || r.Status == RunRunning) && r.StartTime != nil && r.StartTime.Before(cutoff) {
			out = append(out, r)
		}
	}
	sortByStartTimeThenID(out)
	return out, nil
}

func sortByStartTimeThenID(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runs[i].StartTime, runs[j].StartTime
		if ti == nil || tj == nil || !ti.Equal(*tj) {
			if ti == nil {
				return false
			}
			if tj == nil {
				return true
			}
			return ti.Before(*tj)
		}
		return runs[i].ID.String() < runs[j].ID.String()
	})
}

// --- RunEvents ---

func (s *memoryStore) CreateRunEvent(ctx context.Context, ev *RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == (uuid.UUID{}) {
		ev.ID = s.nextID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.runEvents[ev.RunID] = append(s.runEvents[ev.RunID], *ev)
	return nil
}

func (s *memoryStore) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunEvent, len(s.runEvents[runID]))
	copy(out, s.runEvents[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- RunLogs ---

func (s *memoryStore) CreateRunLog(ctx context.Context, log *RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == (uuid.UUID{}) {
		log.ID = s.nextID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.runLogs[log.RunID] = append(s.runLogs[log.RunID], *log)
	return nil
}

func (s *memoryStore) ListRunLogs(ctx context.Context, runID uuid.UUID) ([]RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunLog, len(s.runLogs[runID]))
	copy(out, s.runLogs[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func paginate[T any](all []T, opts ListOptions) []T {
	if opts.Offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	return all[opts.Offset:end]
}
