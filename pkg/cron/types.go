package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule is a parsed time specification for a maintenance job.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At time.Time `json:"at,omitempty"`

	// For "every" schedule
	Every  time.Duration `json:"every,omitempty"`
	Anchor *time.Time    `json:"anchor,omitempty"`

	// For "cron" schedule
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Task is the work a job performs. The context is cancelled when the
// service stops.
type Task func(ctx context.Context) error

// Job status values
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         *time.Time    `json:"next_run_at,omitempty"`
	RunningSince      *time.Time    `json:"running_since,omitempty"`
	LastRunAt         *time.Time    `json:"last_run_at,omitempty"`
	LastRunID         string        `json:"last_run_id,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
}

// Job is a named, scheduled maintenance task.
type Job struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Spec        string   `json:"spec"`
	Schedule    Schedule `json:"schedule"`
	Enabled     bool     `json:"enabled"`
	State       JobState `json:"state"`

	task Task
}

// AddParams describes a job to register.
type AddParams struct {
	Name        string
	Description string
	// Spec is a schedule string: "@every 5m", a descriptor such as
	// "@hourly", a 5-field cron expression or an RFC 3339 timestamp.
	Spec    string
	Enabled bool
	Task    Task
}

// JobPatch represents partial updates to a job
type JobPatch struct {
	Description *string
	Spec        *string
	Enabled     *bool
}

// EventAction represents the type of job event
type EventAction string

const (
	EventActionAdded    EventAction = "added"
	EventActionUpdated  EventAction = "updated"
	EventActionRemoved  EventAction = "removed"
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
)

// Event represents a job lifecycle event
type Event struct {
	Action    EventAction   `json:"action"`
	Job       string        `json:"job"`
	RunID     string        `json:"run_id,omitempty"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
}

// ServiceOptions configures the cron service
type ServiceOptions struct {
	Logger zerolog.Logger

	// StatePath, when set, is where job state is persisted so run history
	// survives restarts.
	StatePath string

	// OnEvent is called for each job lifecycle event. Optional.
	OnEvent func(Event)

	// Now overrides the clock. Optional.
	Now func() time.Time
}

func timePtr(t time.Time) *time.Time {
	return &t
}
