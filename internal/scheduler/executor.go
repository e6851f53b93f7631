package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunResult is what AgentRunner.Run returns on success: a short summary
// suitable for both result_summary and, when the job has a channel_id, the
// text sent to the notification queue (spec §4.5 "completion message").
type RunResult struct {
	Summary string
}

// AgentRunner executes one scheduled job's task_prompt against a kernel
// scoped to the job's snapshot capabilities. Modeled on a cron scheduler's
// AgentRunner interface, adapted to return a structured RunResult instead
// of a bare error so the executor can populate result_summary without
// re-deriving it. The concrete
// implementation lives in internal/agentloop and is wired in by cmd/picobot
// to avoid scheduler importing agentloop (which itself imports kernel,
// which would otherwise cycle back through scheduler via models.SchedulerHandle).
type AgentRunner interface {
	Run(ctx context.Context, job *ScheduledJob) (RunResult, error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, job *ScheduledJob) (RunResult, error)

// Run calls f.
func (f AgentRunnerFunc) Run(ctx context.Context, job *ScheduledJob) (RunResult, error) {
	return f(ctx, job)
}

// Notifier delivers a job's completion message on its channel, if any
// (spec §4.5 "sent via the notification queue when the job has a channel_id").
type Notifier interface {
	Notify(channelID, userID, text, jobID string)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(channelID, userID, text, jobID string)

// Notify calls f.
func (f NotifierFunc) Notify(channelID, userID, text, jobID string) { f(channelID, userID, text, jobID) }

// Executor owns a single job's lifecycle: lease, agent invocation, timeout,
// outcome handling, and reschedule (spec §4.5 "Executor lifecycle").
type Executor struct {
	store    *Store
	runner   AgentRunner
	notifier Notifier
	logger   *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(store *Store, runner AgentRunner, notifier Notifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, runner: runner, notifier: notifier, logger: logger}
}

// Execute runs job to completion: insert a Running execution row, invoke
// the agent runner under cfg.JobTimeout, handle the outcome, clear the
// claim, and persist the updated job. Errors are logged, not returned —
// the tick loop's goroutine has no caller to report to.
func (e *Executor) Execute(ctx context.Context, job *ScheduledJob, claimID string, cfg Config) {
	execID := uuid.NewString()
	startedAt := time.Now().UTC()
	exec := &JobExecution{ID: execID, JobID: job.ID, StartedAt: startedAt, Status: ExecutionRunning}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		e.logger.Error("scheduler: insert execution failed", "job_id", job.ID, "error", err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	result, runErr := e.runner.Run(runCtx, job)

	completedAt := time.Now().UTC()
	elapsed := completedAt.Sub(startedAt).Milliseconds()
	exec.CompletedAt = &completedAt
	exec.ExecutionTimeMs = &elapsed

	var message string
	switch {
	case runErr == nil:
		exec.Status = ExecutionCompleted
		exec.ResultSummary = &result.Summary
		message = result.Summary
		e.onCompleted(job, completedAt, cfg)
	case errors.Is(runErr, context.DeadlineExceeded):
		exec.Status = ExecutionTimeout
		errText := "job timed out"
		exec.Error = &errText
		message = "Job timed out"
		e.onFailure(job, completedAt, cfg)
	case errors.Is(runErr, context.Canceled):
		exec.Status = ExecutionCancelled
		message = ""
	default:
		exec.Status = ExecutionFailed
		errText := runErr.Error()
		exec.Error = &errText
		message = "Job failed: " + errText
		e.onFailure(job, completedAt, cfg)
	}

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("scheduler: update execution failed", "execution_id", execID, "error", err)
	}

	job.ClaimedAt = nil
	job.ClaimID = nil
	job.ClaimExpiresAt = nil
	job.LastRunAt = &completedAt
	job.UpdatedAt = completedAt
	if err := e.store.UpdateJob(ctx, job); err != nil {
		e.logger.Error("scheduler: update job failed", "job_id", job.ID, "error", err)
	}

	if message != "" && job.ChannelID != nil && *job.ChannelID != "" && e.notifier != nil {
		e.notifier.Notify(*job.ChannelID, job.UserID, message, job.ID)
	}
	_ = claimID
}

func (e *Executor) onCompleted(job *ScheduledJob, now time.Time, cfg Config) {
	job.ExecutionCount++
	job.ConsecutiveFails = 0
	job.BackoffUntil = nil
	job.LastError = nil

	if IsOneShot(job.ScheduleType) {
		job.Enabled = false
		return
	}
	next, err := NextOccurrence(job.ScheduleType, job.ScheduleExpr, now)
	if err != nil {
		e.logger.Error("scheduler: compute next occurrence failed", "job_id", job.ID, "error", err)
		job.Enabled = false
		return
	}
	job.NextRunAt = next
	if job.MaxExecutions != nil && job.ExecutionCount >= *job.MaxExecutions {
		job.Enabled = false
	}
}

func (e *Executor) onFailure(job *ScheduledJob, now time.Time, cfg Config) {
	job.ConsecutiveFails++
	backoff := backoffDuration(job.ConsecutiveFails, cfg.MaxBackoff)
	until := now.Add(backoff)
	job.BackoffUntil = &until
}

// backoffDuration computes min(2^consecutiveFailures, maxBackoff) seconds
// (spec §4.5 "set backoff_until = now + min(2^consecutive_failures,
// max_backoff_secs) seconds").
func backoffDuration(consecutiveFailures int, maxBackoff time.Duration) time.Duration {
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}
	shift := consecutiveFailures
	if shift > 32 {
		shift = 32
	}
	d := time.Duration(1) << uint(shift) * time.Second
	if d <= 0 || (maxBackoff > 0 && d > maxBackoff) {
		return maxBackoff
	}
	return d
}
