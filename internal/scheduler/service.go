package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config tunes the tick loop, quotas, and concurrency bounds (spec §4.5).
type Config struct {
	TickInterval       time.Duration
	ConcurrencyLimit   int
	PerUserConcurrency int
	LeaseFor           time.Duration
	MaxJobsPerUser     int
	MaxJobsPerWindow   int
	QuotaWindow        time.Duration
	JobTimeout         time.Duration
	MaxBackoff         time.Duration
}

// DefaultConfig matches the Rust reference's scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       10 * time.Second,
		ConcurrencyLimit:   10,
		PerUserConcurrency: 2,
		LeaseFor:           20 * time.Second,
		MaxJobsPerUser:     50,
		MaxJobsPerWindow:   10,
		QuotaWindow:        time.Hour,
		JobTimeout:         2 * time.Minute,
		MaxBackoff:         time.Hour,
	}
}

func (c Config) leaseFor() time.Duration {
	if c.LeaseFor > 0 {
		return c.LeaseFor
	}
	return 2 * c.TickInterval
}

// Service runs the periodic tick loop: claim due jobs, acquire global and
// per-user permits, spawn the executor. Grounded on a cron scheduler's
// Start/Stop/ticker idiom, generalized from a single-process job list to
// claim-based multi-worker dispatch per spec §4.5.
type Service struct {
	cfg      Config
	store    *Store
	executor *Executor
	logger   *slog.Logger

	global   chan struct{}
	perUser  map[string]chan struct{}
	userMu   sync.Mutex

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the service's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs a Service over store, dispatching claimed jobs to
// executor.
func NewService(store *Store, executor *Executor, cfg Config, opts ...Option) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = DefaultConfig().ConcurrencyLimit
	}
	if cfg.PerUserConcurrency <= 0 {
		cfg.PerUserConcurrency = DefaultConfig().PerUserConcurrency
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		executor: executor,
		logger:   slog.Default(),
		global:   make(chan struct{}, cfg.ConcurrencyLimit),
		perUser:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop; it is idempotent and returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop waits for the tick loop and all in-flight executions to finish.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one claim-and-dispatch cycle immediately (used by tests and by
// the interactive "run due jobs now" admin action).
func (s *Service) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Service) tick(ctx context.Context) {
	claimID := uuid.NewString()
	jobs, err := s.store.ClaimDueJobs(ctx, time.Now().UTC(), s.cfg.ConcurrencyLimit, claimID, s.cfg.leaseFor())
	if err != nil {
		s.logger.Error("scheduler: claim due jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		job := job
		if !s.acquireGlobal() {
			s.release(ctx, job, claimID)
			continue
		}
		userSem := s.userSemaphore(job.UserID)
		select {
		case userSem <- struct{}{}:
		default:
			<-s.global
			s.release(ctx, job, claimID)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.global }()
			defer func() { <-userSem }()
			s.executor.Execute(ctx, job, claimID, s.cfg)
		}()
	}
}

func (s *Service) acquireGlobal() bool {
	select {
	case s.global <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Service) userSemaphore(userID string) chan struct{} {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	sem, ok := s.perUser[userID]
	if !ok {
		sem = make(chan struct{}, s.cfg.PerUserConcurrency)
		s.perUser[userID] = sem
	}
	return sem
}

func (s *Service) release(ctx context.Context, job *ScheduledJob, claimID string) {
	if err := s.store.ReleaseClaim(ctx, job.ID, claimID); err != nil {
		s.logger.Error("scheduler: release claim failed", "job_id", job.ID, "error", err)
	}
}

// EnforceQuotas checks the per-user job-count and creation-rate quotas
// before a new job is persisted (spec §4.5 "Quota enforcement").
func (s *Service) EnforceQuotas(ctx context.Context, userID string) error {
	total, err := s.store.CountJobsForUser(ctx, userID)
	if err != nil {
		return err
	}
	if s.cfg.MaxJobsPerUser > 0 && total >= s.cfg.MaxJobsPerUser {
		return &QuotaExceededError{Detail: "max jobs per user reached"}
	}
	windowStart := time.Now().Add(-s.cfg.QuotaWindow)
	recent, err := s.store.CountRecentJobsForUser(ctx, userID, windowStart)
	if err != nil {
		return err
	}
	if s.cfg.MaxJobsPerWindow > 0 && recent >= s.cfg.MaxJobsPerWindow {
		return &QuotaExceededError{Detail: "max job creations per window reached"}
	}
	return nil
}
