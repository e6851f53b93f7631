package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnforceQuotasRejectsOverLimit(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, NewExecutor(s, AgentRunnerFunc(func(context.Context, *ScheduledJob) (RunResult, error) {
		return RunResult{}, nil
	}), nil, nil), Config{TickInterval: time.Second, ConcurrencyLimit: 1, PerUserConcurrency: 1, MaxJobsPerUser: 2, MaxJobsPerWindow: 10, QuotaWindow: time.Hour})

	ctx := context.Background()
	seedJob(t, s, ScheduleInterval, "60")
	if err := svc.EnforceQuotas(ctx, "u1"); err != nil {
		t.Fatalf("expected 1 job under quota of 2 to pass, got %v", err)
	}
	seedJob(t, s, ScheduleInterval, "60")
	if err := svc.EnforceQuotas(ctx, "u1"); err == nil {
		t.Fatalf("expected quota exceeded at 2 jobs with max 2")
	}
}

func TestTickDispatchesClaimedJobsThroughExecutor(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, ScheduleInterval, "60")
	seedJob(t, s, ScheduleInterval, "60")

	var ran atomic.Int32
	runner := AgentRunnerFunc(func(ctx context.Context, job *ScheduledJob) (RunResult, error) {
		ran.Add(1)
		return RunResult{Summary: "ok"}, nil
	})
	exec := NewExecutor(s, runner, nil, nil)
	svc := NewService(s, exec, Config{TickInterval: time.Second, ConcurrencyLimit: 10, PerUserConcurrency: 10})

	svc.Tick(context.Background())
	deadline := time.Now().Add(time.Second)
	for ran.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ran.Load(); got != 2 {
		t.Fatalf("expected both jobs to run, got %d", got)
	}
}
