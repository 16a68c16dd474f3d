package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet/orchestrator/internal/errs"
)

// gormStore is the GORM-backed Store implementation, usable against either
// the pure-Go sqlite driver or PostgreSQL. Grounded on the teacher's
// internal/repositories/agent.go and internal/repositories/job.go.
type gormStore struct {
	db *gorm.DB
}

// NewGORMStore returns a Store backed by the given *gorm.DB, opened via Open.
func NewGORMStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func wrapNotFound(err error, kind errs.Kind, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.New(errs.NotFound, msg)
	}
	return errs.Wrap(errs.InternalError, msg, err)
}

// --- Bots ---

func (s *gormStore) CreateBot(ctx context.Context, bot *Bot) error {
	if err := s.db.WithContext(ctx).Create(bot).Error; err != nil {
		return errs.Wrap(errs.InternalError, "create bot", err)
	}
	return nil
}

func (s *gormStore) GetBot(ctx context.Context, id uuid.UUID) (*Bot, error) {
	var b Bot
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, errs.NotFound, "bot not found")
	}
	return &b, nil
}

func (s *gormStore) UpdateBot(ctx context.Context, bot *Bot) error {
	result := s.db.WithContext(ctx).Save(bot)
	if result.Error != nil {
		return errs.Wrap(errs.InternalError, "update bot", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.NotFound, "bot not found")
	}
	return nil
}

func (s *gormStore) DeleteBot(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&Bot{}, "id = ?", id)
	if result.Error != nil {
		return errs.Wrap(errs.InternalError, "delete bot", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.NotFound, "bot not found")
	}
	return nil
}

func (s *gormStore) ListBots(ctx context.Context, opts ListOptions) ([]Bot, int64, error) {
	var bots []Bot
	var total int64

	if err := s.db.WithContext(ctx).Model(&Bot{}).Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list bots count", err)
	}
	if err := s.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").
		Find(&bots).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list bots", err)
	}
	return bots, total, nil
}

// --- Agents ---

// UpsertAgent idempotently creates or refreshes an agent by its external
// AgentID (spec.md §4.1 registration). On conflict it refreshes status,
// resources, public URL and heartbeat but keeps the original primary key and
// created_at.
func (s *gormStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	var existing Agent
	err := s.db.WithContext(ctx).First(&existing, "agent_id = ?", agent.AgentID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
			return errs.Wrap(errs.InternalError, "create agent", err)
		}
		return nil
	case err != nil:
		return errs.Wrap(errs.InternalError, "lookup agent for upsert", err)
	}

	existing.Status = agent.Status
	existing.Resources = agent.Resources
	existing.PublicURL = agent.PublicURL
	existing.LastHeartbeat = agent.LastHeartbeat
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return errs.Wrap(errs.InternalError, "refresh agent", err)
	}
	*agent = existing
	return nil
}

func (s *gormStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	if err := s.db.WithContext(ctx).First(&a, "agent_id = ?", agentID).Error; err != nil {
		return nil, wrapNotFound(err, errs.NotFound, "agent not found")
	}
	return &a, nil
}

func (s *gormStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	result := s.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return errs.Wrap(errs.InternalError, "update agent", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.NotFound, "agent not found")
	}
	return nil
}

func (s *gormStore) ListAgents(ctx context.Context, opts ListOptions) ([]Agent, int64, error) {
	var agents []Agent
	var total int64

	if err := s.db.WithContext(ctx).Model(&Agent{}).Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list agents count", err)
	}
	if err := s.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list agents", err)
	}
	return agents, total, nil
}

func (s *gormStore) ListLiveAvailable(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error) {
	var agents []Agent
	cutoff := now.Add(-maxAge)
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat >= ?", AgentAvailable, cutoff).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list live available agents", err)
	}
	return agents, nil
}

// AcquireAvailable picks the oldest live AVAILABLE agent and flips it to BUSY
// in a single conditional UPDATE, then re-reads it. The UPDATE's WHERE clause
// re-checks status=AVAILABLE so two concurrent callers racing for the same
// row cannot both succeed — one UPDATE's RowsAffected is 0 and it retries
// against the next candidate. This is what makes invariant I1 (at most one
// run per agent in STARTING/RUNNING) hold even with concurrent dispatchers.
func (s *gormStore) AcquireAvailable(ctx context.Context, now time.Time, maxAge time.Duration) (*Agent, error) {
	cutoff := now.Add(-maxAge)

	var acquired *Agent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Agent
		if err := tx.
			Where("status = ? AND last_heartbeat >= ?", AgentAvailable, cutoff).
			Order("created_at ASC").
			Find(&candidates).Error; err != nil {
			return err
		}

		for _, c := range candidates {
			result := tx.Model(&Agent{}).
				Where("id = ? AND status = ?", c.ID, AgentAvailable).
				Update("status", AgentBusy)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				c.Status = AgentBusy
				acquired = &c
				return nil
			}
			// Lost the race on this candidate; try the next.
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "acquire available agent", err)
	}
	return acquired, nil
}

func (s *gormStore) SweepStaleAgents(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error) {
	cutoff := now.Add(-maxAge)

	var stale []Agent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status != ? AND last_heartbeat < ?", AgentOffline, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(stale))
		for i, a := range stale {
			ids[i] = a.ID
			stale[i].Status = AgentOffline
		}
		return tx.Model(&Agent{}).Where("id IN ?", ids).Update("status", AgentOffline).Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "sweep stale agents", err)
	}
	return stale, nil
}

// --- Runs ---

func (s *gormStore) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return errs.Wrap(errs.InternalError, "create run", err)
	}
	return nil
}

func (s *gormStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var r Run
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, errs.NotFound, "run not found")
	}
	return &r, nil
}

func (s *gormStore) UpdateRun(ctx context.Context, run *Run) error {
	result := s.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return errs.Wrap(errs.InternalError, "update run", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.NotFound, "run not found")
	}
	return nil
}

func (s *gormStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, int64, error) {
	var runs []Run
	var total int64

	if err := s.db.WithContext(ctx).Model(&Run{}).Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs count", err)
	}
	if err := s.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs", err)
	}
	return runs, total, nil
}

func (s *gormStore) ListRunsByBot(ctx context.Context, botID uuid.UUID, opts ListOptions) ([]Run, int64, error) {
	var runs []Run
	var total int64

	q := s.db.WithContext(ctx).Model(&Run{}).Where("bot_id = ?", botID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs by bot count", err)
	}
	if err := s.db.WithContext(ctx).Where("bot_id = ?", botID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs by bot", err)
	}
	return runs, total, nil
}

func (s *gormStore) ListRunsByAgent(ctx context.Context, agentID string, opts ListOptions) ([]Run, int64, error) {
	var runs []Run
	var total int64

	q := s.db.WithContext(ctx).Model(&Run{}).Where("agent_id = ?", agentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs by agent count", err)
	}
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, errs.Wrap(errs.InternalError, "list runs by agent", err)
	}
	return runs, total, nil
}

func (s *gormStore) FindScheduledRun(ctx context.Context, botID uuid.UUID, startTime time.Time) (*Run, error) {
	var r Run
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND start_time = ?", botID, RunScheduled, startTime).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.InternalError, "find scheduled run", err)
	}
	return &r, nil
}

func (s *gormStore) ListDueScheduled(ctx context.Context, now time.Time) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", RunScheduled, now).
		Order("start_time ASC, id ASC").
		Find(&runs).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list due scheduled runs", err)
	}
	return runs, nil
}

func (s *gormStore) ListQueuedOrdered(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status = ?", RunQueued).
		Order("start_time ASC, id ASC").
		Find(&runs).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list queued runs", err)
	}
	return runs, nil
}

func (s *gormStore) ListStuck(ctx context.Context, cutoff time.Time) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND start_time < ?", []RunStatus{RunStarting, RunRunning}, cutoff).
		Order("start_time ASC, id ASC").
		Find(&runs).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list stuck runs", err)
	}
	return runs, nil
}

// --- RunEvents ---

func (s *gormStore) CreateRunEvent(ctx context.Context, ev *RunEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return errs.Wrap(errs.InternalError, "create run event", err)
	}
	return nil
}

func (s *gormStore) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]RunEvent, error) {
	var events []RunEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list run events", err)
	}
	return events, nil
}

// --- RunLogs ---

func (s *gormStore) CreateRunLog(ctx context.Context, log *RunLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return errs.Wrap(errs.InternalError, "create run log", err)
	}
	return nil
}

func (s *gormStore) ListRunLogs(ctx context.Context, runID uuid.UUID) ([]RunLog, error) {
	var logs []RunLog
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC, id ASC").
		Find(&logs).Error; err != nil {
		return nil, errs.Wrap(errs.InternalError, "list run logs", err)
	}
	return logs, nil
}
