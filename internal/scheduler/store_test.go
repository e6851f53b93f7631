package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/picobot-run/picobot/internal/permission"
)

const testSchema = `
CREATE TABLE schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_expr TEXT NOT NULL,
	task_prompt TEXT NOT NULL,
	session_id TEXT,
	user_id TEXT NOT NULL,
	channel_id TEXT,
	capabilities_json TEXT NOT NULL,
	creator_principal TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	max_executions INTEGER,
	execution_count INTEGER NOT NULL,
	claimed_at TEXT,
	claim_id TEXT,
	claim_expires_at TEXT,
	last_run_at TEXT,
	next_run_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	last_error TEXT,
	backoff_until TEXT,
	metadata_json TEXT,
	created_by_system INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE schedule_executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL,
	result_summary TEXT,
	error TEXT,
	execution_time_ms INTEGER
);
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewStore(db)
}

func TestCreateAndGetJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := CreateJobRequest{
		Name:         "daily report",
		ScheduleType: ScheduleInterval,
		ScheduleExpr: "3600",
		TaskPrompt:   "summarize today's activity",
		UserID:       "u1",
		Capabilities: permission.CapabilitySet{},
		Creator:      Principal{UserID: "u1", ChannelType: "slack"},
	}
	job, err := s.CreateJob(ctx, req, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatalf("expected job, got nil")
	}
	if got.Name != "daily report" || got.TaskPrompt != req.TaskPrompt || got.UserID != "u1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ScheduleType != ScheduleInterval {
		t.Fatalf("expected schedule type interval, got %s", got.ScheduleType)
	}
	if !got.Enabled {
		t.Fatalf("expected new job to be enabled")
	}
}

// Scenario 4: atomic claim under concurrent claimants — exactly one worker
// wins each due job.
func TestClaimDueJobsIsAtomicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobCount = 20
	now := time.Now().UTC()
	for i := 0; i < jobCount; i++ {
		req := CreateJobRequest{
			Name:         "job",
			ScheduleType: ScheduleInterval,
			ScheduleExpr: "60",
			TaskPrompt:   "do work",
			UserID:       "u1",
			Capabilities: permission.CapabilitySet{},
			Creator:      Principal{UserID: "u1"},
		}
		if _, err := s.CreateJob(ctx, req, now.Add(-time.Minute)); err != nil {
			t.Fatalf("seed job %d: %v", i, err)
		}
	}

	claimedBy := make(map[string]string)
	var mu sync.Mutex
	var totalClaims atomic.Int64

	var wg sync.WaitGroup
	for worker := 0; worker < 5; worker++ {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimID := time.Now().Add(time.Duration(worker)).Format(time.RFC3339Nano)
			jobs, err := s.ClaimDueJobs(ctx, time.Now().UTC(), jobCount, claimID, time.Minute)
			if err != nil {
				t.Errorf("worker %d claim: %v", worker, err)
				return
			}
			totalClaims.Add(int64(len(jobs)))
			mu.Lock()
			for _, j := range jobs {
				if existing, ok := claimedBy[j.ID]; ok {
					t.Errorf("job %s claimed twice: by %s and %s", j.ID, existing, claimID)
				}
				claimedBy[j.ID] = claimID
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if int(totalClaims.Load()) != jobCount {
		t.Fatalf("expected exactly %d total claims across workers, got %d", jobCount, totalClaims.Load())
	}
}

func TestReleaseClaimOnlyClearsMatchingClaimID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := CreateJobRequest{
		Name: "j", ScheduleType: ScheduleInterval, ScheduleExpr: "60", TaskPrompt: "x",
		UserID: "u1", Capabilities: permission.CapabilitySet{}, Creator: Principal{UserID: "u1"},
	}
	job, err := s.CreateJob(ctx, req, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now().UTC(), 1, "claim-a", time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected to claim 1 job, got %d jobs err=%v", len(jobs), err)
	}

	if err := s.ReleaseClaim(ctx, job.ID, "claim-b"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	reloaded, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.ClaimID == nil || *reloaded.ClaimID != "claim-a" {
		t.Fatalf("expected claim to survive mismatched release, got %+v", reloaded.ClaimID)
	}

	if err := s.ReleaseClaim(ctx, job.ID, "claim-a"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	reloaded, err = s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.ClaimID != nil {
		t.Fatalf("expected claim to be cleared, got %+v", reloaded.ClaimID)
	}
}

func TestNextOccurrenceIntervalOnceCron(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, err := NextOccurrence(ScheduleInterval, "120", base)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if !next.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("interval: expected %v, got %v", base.Add(2*time.Minute), next)
	}

	next, err = NextOccurrence(ScheduleOnce, "in 5m", base)
	if err != nil {
		t.Fatalf("once relative: %v", err)
	}
	if !next.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("once relative: expected %v, got %v", base.Add(5*time.Minute), next)
	}

	next, err = NextOccurrence(ScheduleCron, "0 9 * * *", base)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if next.Hour() != 9 || !next.After(base) {
		t.Fatalf("cron: expected next 9am occurrence after base, got %v", next)
	}
}
