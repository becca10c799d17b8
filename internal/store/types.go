package store

import (
	"encoding/json"
	"time"

	"github.com/biomapper/biomapper/pkg/schema"
)

// Run is the persisted record of one strategy execution.
type Run struct {
	ID          string           `json:"id"`
	Strategy    string           `json:"strategy"`
	Status      schema.RunStatus `json:"status"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	Summary     json.RawMessage  `json:"summary,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status      *schema.RunStatus
	Summary     json.RawMessage
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter specifies criteria for listing runs. Results are newest first.
type RunFilter struct {
	Strategy string
	Status   *schema.RunStatus
	Since    *time.Time
	Limit    int
}

// Event is one append-only entry of a run's history.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter specifies criteria for querying events by type.
type EventFilter struct {
	RunID string
	Step  string
	Since *time.Time
	Limit int
}

// ScheduledJob runs a strategy on a cron schedule.
type ScheduledJob struct {
	ID             string         `json:"id"`
	Strategy       string         `json:"strategy"`
	CronExpression string         `json:"cron_expression"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
