// Package scheduler materializes SCHEDULED runs from each bot's cron
// expression on a 60-second tick (spec.md §4.3). Grounded on the teacher's
// gocron wiring (internal/scheduler/scheduler.go), reshaped from one gocron
// job per policy into a single periodic job that walks every scheduled bot,
// matching spec.md's "wall-clock phase via every-minute cron" tick model.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/runregistry"
	"github.com/botfleet/orchestrator/internal/store"
)

// TickInterval is the Scheduler's wall-clock period (spec.md §4.3).
const TickInterval = 60 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// listPageSize bounds a single ListBots call; bots are paged through in
// full on every tick since the scheduled set is expected to be small.
const listPageSize = 500

// Scheduler wraps gocron to drive Tick on a fixed interval.
type Scheduler struct {
	cron gocron.Scheduler
	bots *botregistry.Registry
	runs *runregistry.Registry
	clk  clock.Clock
	log  *zap.Logger
}

// New creates a Scheduler. Call Start to begin the periodic tick.
func New(bots *botregistry.Registry, runs *runregistry.Registry, clk clock.Clock, log *zap.Logger) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: g, bots: bots, runs: runs, clk: clk, log: log.Named("scheduler")}, nil
}

// Start registers the periodic tick job, in singleton mode so a slow tick
// never overlaps with the next one (spec.md §5: "a new tick is skipped if
// the previous invocation has not completed"), and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.CronJob("* * * * *", false),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: failed to register tick job: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Duration("tick_interval", TickInterval))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for an in-flight tick to
// complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown error: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Tick walks every bot with a non-empty schedule and materializes the next
// SCHEDULED run if one does not already exist (spec.md §4.3 steps 1-3).
// A single bot with an invalid cron expression is logged and skipped; it
// never aborts the tick for the remaining bots (spec.md §7).
func (s *Scheduler) Tick(ctx context.Context) {
	offset := 0
	for {
		bots, total, err := s.bots.List(ctx, store.ListOptions{Limit: listPageSize, Offset: offset})
		if err != nil {
			s.log.Error("tick: failed to list bots", zap.Error(err))
			return
		}
		for _, bot := range bots {
			s.tickBot(ctx, bot)
		}
		offset += len(bots)
		if offset >= int(total) || len(bots) == 0 {
			return
		}
	}
}

func (s *Scheduler) tickBot(ctx context.Context, bot store.Bot) {
	if bot.Schedule == "" {
		return
	}

	schedule, err := cronParser.Parse(bot.Schedule)
	if err != nil {
		s.log.Error("tick: invalid cron expression, skipping bot",
			zap.String("bot_id", bot.ID.String()), zap.String("schedule", bot.Schedule), zap.Error(err))
		return
	}

	now := s.clk.Now().UTC()
	nextFire := schedule.Next(now)

	existing, err := s.runs.FindScheduledRun(ctx, bot.ID, nextFire)
	if err != nil {
		s.log.Error("tick: failed to check for existing scheduled run",
			zap.String("bot_id", bot.ID.String()), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	if _, err := s.runs.Schedule(ctx, bot.ID, nextFire); err != nil {
		s.log.Error("tick: failed to schedule run",
			zap.String("bot_id", bot.ID.String()), zap.Time("next_fire", nextFire), zap.Error(err))
	}
}
