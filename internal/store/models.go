// Package store implements durable persistence for Bots, Agents, Runs,
// RunEvents and RunLogs, and exposes them through the Store interface that
// every registry depends on. Concrete backends: a GORM-backed implementation
// (SQLite via the pure-Go modernc driver, or PostgreSQL) for production, and
// an in-memory implementation for fast unit tests.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base holds the fields common to every persisted entity. ID uses UUIDv7
// (time-ordered) so IDs sort roughly in creation order; CreatedAt is
// indexed separately and list queries order by it.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
}

// BeforeCreate assigns a UUIDv7 if the caller did not already set one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

// AgentStatus enumerates the lifecycle states of a fleet agent (spec.md §3).
type AgentStatus string

const (
	AgentAvailable AgentStatus = "AVAILABLE"
	AgentBusy      AgentStatus = "BUSY"
	AgentStopped   AgentStatus = "STOPPED"
	AgentOffline   AgentStatus = "OFFLINE"
)

// RunStatus enumerates the run state machine (spec.md §4.2).
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunScheduled RunStatus = "SCHEDULED"
	RunStarting  RunStatus = "STARTING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunError     RunStatus = "ERROR"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether status is one of the run state machine's sink
// states (COMPLETED, ERROR, CANCELLED) — spec.md invariant I3.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunCancelled:
		return true
	default:
		return false
	}
}

// Bot is a named, optionally-scheduled unit of automation (spec.md §3).
// Script is a symbolic identifier resolved on the agent side — never a
// filesystem path understood by the core.
type Bot struct {
	base
	Name     string `gorm:"not null"`
	Script   string `gorm:"not null"`
	Schedule string `gorm:"default:''"` // empty = unscheduled; else a 5-field cron expression
	UpdatedAt time.Time `gorm:"not null"`
}

// Agent is a registered worker process (spec.md §3). AgentID is the
// client-chosen, globally unique external identifier — distinct from the
// internal UUID primary key so agents can pick stable, human-readable names.
type Agent struct {
	base
	AgentID       string      `gorm:"uniqueIndex;not null"`
	Status        AgentStatus `gorm:"not null;index"`
	Resources     string      `gorm:"type:text;default:'{}'"` // opaque JSON map
	PublicURL     string      `gorm:"not null"`
	LastHeartbeat time.Time   `gorm:"not null;index"`
}

// Run is a single execution attempt of a Bot (spec.md §3/§4.2).
type Run struct {
	base
	BotID     uuid.UUID  `gorm:"type:text;not null;index"`
	AgentID   *string    `gorm:"index"` // nil until dispatch (spec.md I2)
	Status    RunStatus  `gorm:"not null;index"`
	StartTime *time.Time `gorm:"index"`
	EndTime   *time.Time
}

// RunEvent is an append-only semantic milestone from an executing bot
// (spec.md §3). Screenshot, if present, is a base64-encoded PNG.
type RunEvent struct {
	base
	RunID      uuid.UUID `gorm:"type:text;not null;index"`
	EventType  string    `gorm:"not null"`
	Message    string    `gorm:"type:text;not null"`
	Payload    string    `gorm:"type:text;default:''"` // JSON, optional
	Screenshot string    `gorm:"type:text;default:''"` // base64 PNG, optional
	Timestamp  time.Time `gorm:"not null;index"`
}

// LogLevel enumerates RunLog severities (spec.md §3).
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// RunLog is an append-only leveled log line from an executing bot (spec.md §3).
type RunLog struct {
	base
	RunID     uuid.UUID `gorm:"type:text;not null;index"`
	Level     LogLevel  `gorm:"not null"`
	Message   string    `gorm:"type:text;not null"`
	Payload   string    `gorm:"type:text;default:''"`
	Timestamp time.Time `gorm:"not null;index"`
}
