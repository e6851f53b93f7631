package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists ScheduledJob and JobExecution records. It shares a single
// *sql.DB with internal/sessionstore (spec §2's "single SQL database file"),
// with placeholders translated from a positional-params style into
// SQLite's `?` form, and the connection/scan idiom grounded on a job
// store's database/sql usage.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB. Schema migration is the caller's
// responsibility (see internal/sessionstore/migrate.go, which owns the
// combined schedules/schedule_executions/sessions schema).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func scheduleTypeToString(t ScheduleType) string { return string(t) }

func parseScheduleType(s string) (ScheduleType, error) {
	switch ScheduleType(s) {
	case ScheduleInterval, ScheduleOnce, ScheduleCron:
		return ScheduleType(s), nil
	default:
		return "", &InvalidScheduleError{Detail: fmt.Sprintf("unknown schedule_type %q", s)}
	}
}

func toRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func toRFC3339Ptr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toRFC3339(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
		}
	}
	t = t.UTC()
	return &t, nil
}

// CreateJob inserts a new job with the given resolved next_run_at.
func (s *Store) CreateJob(ctx context.Context, req CreateJobRequest, nextRunAt time.Time) (*ScheduledJob, error) {
	now := time.Now().UTC()
	job := &ScheduledJob{
		ID:              uuid.NewString(),
		Name:            req.Name,
		ScheduleType:    req.ScheduleType,
		ScheduleExpr:    req.ScheduleExpr,
		TaskPrompt:      req.TaskPrompt,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		ChannelID:       req.ChannelID,
		Capabilities:    req.Capabilities,
		Creator:         req.Creator,
		Enabled:         true,
		MaxExecutions:   req.MaxExecutions,
		ExecutionCount:  0,
		CreatedBySystem: req.CreatedBySystem,
		NextRunAt:       nextRunAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        req.Metadata,
	}
	if err := s.insertJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) insertJob(ctx context.Context, job *ScheduledJob) error {
	capsJSON, err := json.Marshal(job.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	creatorJSON, err := json.Marshal(job.Creator)
	if err != nil {
		return fmt.Errorf("marshal creator: %w", err)
	}
	var metadataJSON any
	if len(job.Metadata) > 0 {
		metadataJSON = string(job.Metadata)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedules
		(id, name, schedule_type, schedule_expr, task_prompt, session_id, user_id, channel_id,
		 capabilities_json, creator_principal, enabled, max_executions, execution_count,
		 claimed_at, claim_id, claim_expires_at, last_run_at, next_run_at, created_at, updated_at,
		 consecutive_failures, last_error, backoff_until, metadata_json, created_by_system)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?, ?, ?,
		        ?, ?, ?, ?, ?)`,
		job.ID, job.Name, scheduleTypeToString(job.ScheduleType), job.ScheduleExpr, job.TaskPrompt,
		job.SessionID, job.UserID, job.ChannelID,
		string(capsJSON), string(creatorJSON), boolToInt(job.Enabled), job.MaxExecutions, job.ExecutionCount,
		toRFC3339Ptr(job.ClaimedAt), job.ClaimID, toRFC3339Ptr(job.ClaimExpiresAt),
		toRFC3339Ptr(job.LastRunAt), toRFC3339(job.NextRunAt), toRFC3339(job.CreatedAt), toRFC3339(job.UpdatedAt),
		job.ConsecutiveFails, job.LastError, toRFC3339Ptr(job.BackoffUntil), metadataJSON, boolToInt(job.CreatedBySystem),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

const jobColumns = `id, name, schedule_type, schedule_expr, task_prompt, session_id, user_id, channel_id,
	capabilities_json, creator_principal, enabled, max_executions, execution_count,
	claimed_at, claim_id, claim_expires_at, last_run_at, next_run_at, created_at, updated_at,
	consecutive_failures, last_error, backoff_until, metadata_json, created_by_system`

func scanJob(row interface {
	Scan(dest ...any) error
}) (*ScheduledJob, error) {
	var (
		job                                             ScheduledJob
		scheduleType                                    string
		capsJSON, creatorJSON                           string
		metadataJSON                                    sql.NullString
		claimedAt, claimExpiresAt, lastRunAt, nextRunAt sql.NullString
		createdAt, updatedAt, backoffUntil              sql.NullString
		enabled                                         int64
		createdBySystem                                 int64
	)
	err := row.Scan(
		&job.ID, &job.Name, &scheduleType, &job.ScheduleExpr, &job.TaskPrompt, &job.SessionID, &job.UserID, &job.ChannelID,
		&capsJSON, &creatorJSON, &enabled, &job.MaxExecutions, &job.ExecutionCount,
		&claimedAt, &job.ClaimID, &claimExpiresAt, &lastRunAt, &nextRunAt, &createdAt, &updatedAt,
		&job.ConsecutiveFails, &job.LastError, &backoffUntil, &metadataJSON, &createdBySystem,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduleType, err = parseScheduleType(scheduleType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &job.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(creatorJSON), &job.Creator); err != nil {
		return nil, fmt.Errorf("unmarshal creator: %w", err)
	}
	if metadataJSON.Valid {
		job.Metadata = json.RawMessage(metadataJSON.String)
	}
	job.Enabled = enabled != 0
	job.CreatedBySystem = createdBySystem != 0

	if job.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if job.ClaimExpiresAt, err = parseTimePtr(claimExpiresAt); err != nil {
		return nil, err
	}
	if job.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if job.BackoffUntil, err = parseTimePtr(backoffUntil); err != nil {
		return nil, err
	}
	next, err := parseTimePtr(nextRunAt)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("schedule %s missing next_run_at", job.ID)
	}
	job.NextRunAt = *next
	created, err := parseTimePtr(createdAt)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("schedule %s missing created_at", job.ID)
	}
	job.CreatedAt = *created
	updated, err := parseTimePtr(updatedAt)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("schedule %s missing updated_at", job.ID)
	}
	job.UpdatedAt = *updated

	return &job, nil
}

// GetJob loads a single job by id, returning (nil, nil) if absent.
func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	return s.loadJob(ctx, s.db, id)
}

func (s *Store) loadJob(ctx context.Context, q querier, id string) (*ScheduledJob, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM schedules WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	return job, nil
}

// ListJobsByUser returns all jobs owned by userID, newest first.
func (s *Store) ListJobsByUser(ctx context.Context, userID string) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM schedules WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.loadJob(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// UpdateJob replaces the stored row for job.ID (same shape as insert, per
// the Rust reference's update_job which reuses insert_job verbatim).
func (s *Store) UpdateJob(ctx context.Context, job *ScheduledJob) error {
	job.UpdatedAt = time.Now().UTC()
	return s.insertJob(ctx, job)
}

// DeleteJob removes a job and lets ON DELETE CASCADE remove its executions.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

// CountJobsForUser returns the user's total job count, for the
// concurrent-job-count quota (spec §4.5).
func (s *Store) CountJobsForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedules WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return count, nil
}

// CountRecentJobsForUser returns how many jobs userID has created since
// windowStart, for the creation-rate quota (spec §4.5).
func (s *Store) CountRecentJobsForUser(ctx context.Context, userID string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schedules WHERE user_id = ? AND created_at >= ?",
		userID, toRFC3339(windowStart),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent schedules: %w", err)
	}
	return count, nil
}

// querier abstracts over *sql.DB and *sql.Tx for loadJob's shared code path.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ClaimDueJobs atomically claims up to limit due, enabled, non-exhausted
// jobs whose claim (if any) and backoff have expired, and leases them for
// leaseFor. Grounded exactly on store.rs's claim_due_jobs: a BEGIN IMMEDIATE
// transaction, a candidate SELECT, then a predicate-gated UPDATE per
// candidate so a concurrent claimant loses the race safely (spec §4.5
// "Atomic job claiming").
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int, claimID string, leaseFor time.Duration) ([]*ScheduledJob, error) {
	nowStr := toRFC3339(now)
	expiresStr := toRFC3339(now.Add(leaseFor))

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// store.rs issues an explicit BEGIN IMMEDIATE to take the write lock
	// before the candidate SELECT. The Go sqlite drivers we depend on
	// (mattn/go-sqlite3, modernc.org/sqlite) take that same immediate write
	// lock via a `_txlock=immediate` DSN parameter instead (set by
	// internal/sessionstore when opening the shared *sql.DB), so tx here
	// already holds it.

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM schedules
		WHERE enabled = 1
		  AND next_run_at <= ?
		  AND (backoff_until IS NULL OR backoff_until <= ?)
		  AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
		  AND (max_executions IS NULL OR execution_count < max_executions)
		ORDER BY next_run_at ASC
		LIMIT ?`, nowStr, nowStr, nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, rowsErr
	}

	var claimed []string
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedules
			SET claimed_at = ?, claim_id = ?, claim_expires_at = ?, updated_at = ?
			WHERE id = ?
			  AND (claim_expires_at IS NULL OR claim_expires_at <= ?)
			  AND (backoff_until IS NULL OR backoff_until <= ?)
			  AND (max_executions IS NULL OR execution_count < max_executions)
			  AND enabled = 1`,
			nowStr, claimID, expiresStr, nowStr, id, nowStr, nowStr)
		if err != nil {
			return nil, fmt.Errorf("claim schedule %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}
	committed = true

	jobs := make([]*ScheduledJob, 0, len(claimed))
	for _, id := range claimed {
		job, err := s.loadJob(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ReleaseClaim clears a job's claim fields, but only if claimID still owns
// it — an executor that outlived its lease must not clobber a newer
// claimant's lease.
func (s *Store) ReleaseClaim(ctx context.Context, id, claimID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET claimed_at = NULL, claim_id = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claim_id = ?`,
		toRFC3339(time.Now()), id, claimID)
	if err != nil {
		return fmt.Errorf("release claim on %s: %w", id, err)
	}
	return nil
}

// InsertExecution records the start of a job run.
func (s *Store) InsertExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions
		(id, job_id, started_at, completed_at, status, result_summary, error, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, toRFC3339(exec.StartedAt), toRFC3339Ptr(exec.CompletedAt),
		string(exec.Status), exec.ResultSummary, exec.Error, exec.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution updates a run's terminal fields once it finishes.
func (s *Store) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET completed_at = ?, status = ?, result_summary = ?, error = ?, execution_time_ms = ?
		WHERE id = ?`,
		toRFC3339Ptr(exec.CompletedAt), string(exec.Status), exec.ResultSummary, exec.Error, exec.ExecutionTimeMs,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	return nil
}

// ListExecutions returns a job's executions, most recent first.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, started_at, completed_at, status, result_summary, error, execution_time_ms
		FROM schedule_executions WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*JobExecution
	for rows.Next() {
		var (
			exec      JobExecution
			started   string
			completed sql.NullString
			status    string
		)
		if err := rows.Scan(&exec.ID, &exec.JobID, &started, &completed, &status, &exec.ResultSummary, &exec.Error, &exec.ExecutionTimeMs); err != nil {
			return nil, err
		}
		exec.Status = ExecutionStatus(status)
		startedAt, err := parseTimePtr(sql.NullString{String: started, Valid: started != ""})
		if err != nil {
			return nil, err
		}
		if startedAt != nil {
			exec.StartedAt = *startedAt
		}
		if exec.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}
