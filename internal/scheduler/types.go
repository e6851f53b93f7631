// Package scheduler implements the durable job store with atomic
// lease-based claiming, the tick service with quota enforcement and
// concurrency permits, and the per-job executor with backoff/reschedule.
// The claim SQL shape follows spec §4.5's exact semantics; the Go service
// idiom (functional options, ticker loop, backoff math) follows a cron
// scheduler's shape.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

// ScheduleType discriminates how schedule_expr is interpreted.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
	ScheduleCron     ScheduleType = "cron"
)

// Principal identifies who created a job, for the capability-subset
// invariant (spec §3 "capabilities ⊆ creator's capabilities at creation").
type Principal struct {
	UserID      string
	ChannelID   string
	ChannelType string
}

// ScheduledJob is the durable job record (spec §3).
type ScheduledJob struct {
	ID               string
	Name             string
	ScheduleType     ScheduleType
	ScheduleExpr     string
	TaskPrompt       string
	SessionID        *string
	UserID           string
	ChannelID        *string
	Capabilities     permission.CapabilitySet
	Creator          Principal
	Enabled          bool
	MaxExecutions    *int
	ExecutionCount   int
	CreatedBySystem  bool
	ClaimedAt        *time.Time
	ClaimID          *string
	ClaimExpiresAt   *time.Time
	LastRunAt        *time.Time
	NextRunAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ConsecutiveFails int
	LastError        *string
	BackoffUntil     *time.Time
	Metadata         json.RawMessage
}

// IsClaimed reports whether the job currently holds an unexpired claim
// (spec §3 invariant: "claimed iff all three claim_* fields are set with an
// unexpired claim_expires_at").
func (j *ScheduledJob) IsClaimed(now time.Time) bool {
	return j.ClaimID != nil && j.ClaimedAt != nil && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.After(now)
}

// ExecutionStatus is the lifecycle state of a JobExecution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// JobExecution records one run of a ScheduledJob (spec §3).
type JobExecution struct {
	ID              string
	JobID           string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Status          ExecutionStatus
	ResultSummary   *string
	Error           *string
	ExecutionTimeMs *int64
}

// CreateJobRequest is the input to Store.CreateJob.
type CreateJobRequest struct {
	Name            string
	ScheduleType    ScheduleType
	ScheduleExpr    string
	TaskPrompt      string
	SessionID       *string
	UserID          string
	ChannelID       *string
	Capabilities    permission.CapabilitySet
	Creator         Principal
	MaxExecutions   *int
	CreatedBySystem bool
	Metadata        json.RawMessage
}

// Errors surfaced by scheduler creation (spec §7).
type QuotaExceededError struct{ Detail string }

func (e *QuotaExceededError) Error() string { return "quota exceeded: " + e.Detail }

type ConcurrencyLimitError struct{ Detail string }

func (e *ConcurrencyLimitError) Error() string { return "concurrency limit reached: " + e.Detail }

type InvalidScheduleError struct{ Detail string }

func (e *InvalidScheduleError) Error() string { return "invalid schedule: " + e.Detail }

type DisabledError struct{ Detail string }

func (e *DisabledError) Error() string { return "disabled: " + e.Detail }
