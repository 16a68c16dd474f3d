package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOptions carries pagination for list queries, mirroring the teacher
// repository's repositories.ListOptions.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the single persistence contract every registry depends on.
// spec.md §2 treats the store engine itself as an external collaborator —
// this interface is the seam: registries never issue SQL, they call Store.
//
// All methods return *errs.Error with a Kind set on failure so callers can
// branch without inspecting error text.
type Store interface {
	// Bots
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, id uuid.UUID) (*Bot, error)
	UpdateBot(ctx context.Context, bot *Bot) error
	DeleteBot(ctx context.Context, id uuid.UUID) error
	ListBots(ctx context.Context, opts ListOptions) ([]Bot, int64, error)

	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, opts ListOptions) ([]Agent, int64, error)
	// ListLiveAvailable returns agents with Status=AVAILABLE and
	// last_heartbeat within maxAge of now — the liveness predicate behind
	// AgentRegistry.listAvailable (spec.md §4.1).
	ListLiveAvailable(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error)
	// AcquireAvailable atomically flips one live AVAILABLE agent to BUSY and
	// returns it, or (nil, nil) if none qualify. Implementations must make
	// this linearizable against concurrent callers (spec.md §4.1, I1).
	AcquireAvailable(ctx context.Context, now time.Time, maxAge time.Duration) (*Agent, error)
	// SweepStaleAgents transitions every agent whose last_heartbeat is older
	// than maxAge and whose status is not OFFLINE to OFFLINE, returning the
	// changed records (spec.md §4.6).
	SweepStaleAgents(ctx context.Context, now time.Time, maxAge time.Duration) ([]Agent, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, int64, error)
	ListRunsByBot(ctx context.Context, botID uuid.UUID, opts ListOptions) ([]Run, int64, error)
	ListRunsByAgent(ctx context.Context, agentID string, opts ListOptions) ([]Run, int64, error)
	// FindScheduledRun returns the SCHEDULED run for botID at exactly
	// startTime, if one exists — used by the Scheduler's duplicate guard
	// (spec.md §4.3 step 2).
	FindScheduledRun(ctx context.Context, botID uuid.UUID, startTime time.Time) (*Run, error)
	// ListDueScheduled returns SCHEDULED runs with start_time <= now
	// (Dispatcher Phase A, spec.md §4.4).
	ListDueScheduled(ctx context.Context, now time.Time) ([]Run, error)
	// ListQueuedOrdered returns QUEUED runs ordered by start_time ascending,
	// ties broken by id (Dispatcher Phase B, spec.md §4.4).
	ListQueuedOrdered(ctx context.Context) ([]Run, error)
	// ListStuck returns runs in {STARTING, RUNNING} whose start_time is
	// older than cutoff (Janitor stuck-run sweep, spec.md §4.6).
	ListStuck(ctx context.Context, cutoff time.Time) ([]Run, error)

	// RunEvents
	CreateRunEvent(ctx context.Context, ev *RunEvent) error
	ListRunEvents(ctx context.Context, runID uuid.UUID) ([]RunEvent, error)

	// RunLogs
	CreateRunLog(ctx context.Context, log *RunLog) error
	ListRunLogs(ctx context.Context, runID uuid.UUID) ([]RunLog, error)
}
