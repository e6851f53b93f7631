package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

func seedJob(t *testing.T, s *Store, scheduleType ScheduleType, expr string) *ScheduledJob {
	t.Helper()
	req := CreateJobRequest{
		Name: "j", ScheduleType: scheduleType, ScheduleExpr: expr, TaskPrompt: "do work",
		UserID: "u1", Capabilities: permission.CapabilitySet{}, Creator: Principal{UserID: "u1"},
	}
	job, err := s.CreateJob(context.Background(), req, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// Scenario 5: consecutive failures grow backoff_until exponentially, capped
// at max_backoff.
func TestExecutorBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, ScheduleCron, "*/5 * * * *")

	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		return RunResult{}, errors.New("boom")
	})
	var notified []string
	notifier := NotifierFunc(func(channelID, userID, text, jobID string) { notified = append(notified, text) })
	exec := NewExecutor(s, runner, notifier, nil)

	cfg := DefaultConfig()
	cfg.MaxBackoff = 10 * time.Second
	cfg.JobTimeout = time.Second

	for i := 1; i <= 5; i++ {
		before := time.Now().UTC()
		exec.Execute(context.Background(), job, "claim", cfg)
		if job.ConsecutiveFails != i {
			t.Fatalf("iteration %d: expected consecutive_failures=%d, got %d", i, i, job.ConsecutiveFails)
		}
		if job.BackoffUntil == nil {
			t.Fatalf("iteration %d: expected backoff_until to be set", i)
		}
		wantBackoff := backoffDuration(i, cfg.MaxBackoff)
		got := job.BackoffUntil.Sub(before)
		if got < wantBackoff-time.Second || got > wantBackoff+time.Second {
			t.Fatalf("iteration %d: expected backoff ~%v, got %v", i, wantBackoff, got)
		}
	}
	if job.BackoffUntil.Sub(time.Now()) > cfg.MaxBackoff+time.Second {
		t.Fatalf("expected backoff capped at %v", cfg.MaxBackoff)
	}
}

func TestExecutorCompletedResetsFailuresAndReschedules(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, ScheduleInterval, "60")
	job.ConsecutiveFails = 3
	past := time.Now().Add(-time.Minute)
	job.BackoffUntil = &past

	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		return RunResult{Summary: "done"}, nil
	})
	exec := NewExecutor(s, runner, nil, nil)

	cfg := DefaultConfig()
	before := time.Now()
	exec.Execute(context.Background(), job, "claim", cfg)

	if job.ConsecutiveFails != 0 {
		t.Fatalf("expected consecutive_failures reset to 0, got %d", job.ConsecutiveFails)
	}
	if job.BackoffUntil != nil {
		t.Fatalf("expected backoff_until cleared, got %v", job.BackoffUntil)
	}
	if job.ExecutionCount != 1 {
		t.Fatalf("expected execution_count=1, got %d", job.ExecutionCount)
	}
	if !job.NextRunAt.After(before) {
		t.Fatalf("expected next_run_at rescheduled after now, got %v", job.NextRunAt)
	}
}

func TestExecutorOneShotDisablesAfterCompletion(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, ScheduleOnce, "")

	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		return RunResult{Summary: "done"}, nil
	})
	exec := NewExecutor(s, runner, nil, nil)
	exec.Execute(context.Background(), job, "claim", DefaultConfig())

	if job.Enabled {
		t.Fatalf("expected once job to disable itself after completion")
	}
}

func TestExecutorMaxExecutionsDisablesJob(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, ScheduleInterval, "1")
	max := 2
	job.MaxExecutions = &max
	job.ExecutionCount = 1

	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		return RunResult{Summary: "done"}, nil
	})
	exec := NewExecutor(s, runner, nil, nil)
	exec.Execute(context.Background(), job, "claim", DefaultConfig())

	if job.ExecutionCount != 2 {
		t.Fatalf("expected execution_count=2, got %d", job.ExecutionCount)
	}
	if job.Enabled {
		t.Fatalf("expected job to disable once execution_count reaches max_executions")
	}
}

func TestExecutorTimeoutSendsTimeoutNotification(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, ScheduleInterval, "60")
	channelID := "c1"
	job.ChannelID = &channelID

	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})
	var notified []string
	notifier := NotifierFunc(func(channelID, userID, text, jobID string) { notified = append(notified, text) })
	exec := NewExecutor(s, runner, notifier, nil)

	cfg := DefaultConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	exec.Execute(context.Background(), job, "claim", cfg)

	if job.ConsecutiveFails != 1 {
		t.Fatalf("expected timeout to count as a failure, got consecutive_failures=%d", job.ConsecutiveFails)
	}
	if len(notified) != 1 || notified[0] != "Job timed out" {
		t.Fatalf("expected a single 'Job timed out' notification, got %v", notified)
	}
}
