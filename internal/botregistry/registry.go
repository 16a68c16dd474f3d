// Package botregistry is CRUD over bot definitions, validating cron
// expressions at write time (spec.md §4.5, invariant I6). Grounded on the
// teacher's repositories CRUD shape; cron parsing uses robfig/cron/v3, the
// same library the Scheduler uses to compute next firings.
package botregistry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/botfleet/orchestrator/internal/errs"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

// cronParser accepts standard five-field cron expressions (spec.md §3: "a
// five-field cron expression").
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Registry is CRUD over Bot definitions.
type Registry struct {
	store store.Store
	bus   *eventbus.Bus
	log   *zap.Logger
}

// New constructs a Registry.
func New(st store.Store, bus *eventbus.Bus, log *zap.Logger) *Registry {
	return &Registry{store: st, bus: bus, log: log.Named("botregistry")}
}

// ValidateSchedule reports whether schedule parses as a valid five-field
// cron expression. An empty string is always valid (unscheduled bot).
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return errs.Wrap(errs.InvalidInput, fmt.Sprintf("invalid cron expression %q", schedule), err)
	}
	return nil
}

// CreateInput carries the fields accepted by POST /bots.
type CreateInput struct {
	Name     string
	Script   string
	Schedule string
}

// Create validates and persists a new bot.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*store.Bot, error) {
	if err := ValidateSchedule(in.Schedule); err != nil {
		return nil, err
	}
	bot := &store.Bot{Name: in.Name, Script: in.Script, Schedule: in.Schedule}
	if err := r.store.CreateBot(ctx, bot); err != nil {
		return nil, err
	}
	r.log.Info("bot created", zap.String("bot_id", bot.ID.String()), zap.String("name", bot.Name))
	r.bus.Publish(eventbus.Event{Topic: "bots", Kind: "bot.created", Data: bot})
	return bot, nil
}

// Get returns a bot by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*store.Bot, error) {
	return r.store.GetBot(ctx, id)
}

// List returns a page of bots.
func (r *Registry) List(ctx context.Context, opts store.ListOptions) ([]store.Bot, int64, error) {
	return r.store.ListBots(ctx, opts)
}

// UpdateInput carries the optional fields accepted by PUT /bots/{id}; a nil
// pointer leaves the field unchanged.
type UpdateInput struct {
	Name     *string
	Script   *string
	Schedule *string
}

// Update applies a partial update, re-validating the schedule if supplied.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*store.Bot, error) {
	bot, err := r.store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		bot.Name = *in.Name
	}
	if in.Script != nil {
		bot.Script = *in.Script
	}
	if in.Schedule != nil {
		if err := ValidateSchedule(*in.Schedule); err != nil {
			return nil, err
		}
		bot.Schedule = *in.Schedule
	}
	if err := r.store.UpdateBot(ctx, bot); err != nil {
		return nil, err
	}
	r.bus.Publish(eventbus.Event{Topic: "bots", Kind: "bot.updated", Data: bot})
	return bot, nil
}

// Delete removes the bot record only; historical runs are preserved
// (spec.md §4.5 — no cascading delete).
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeleteBot(ctx, id); err != nil {
		return err
	}
	r.bus.Publish(eventbus.Event{Topic: "bots", Kind: "bot.deleted", Data: id})
	return nil
}
