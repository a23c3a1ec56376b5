package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"market_sync_backend/models"
)

type Syncer interface {
	SyncAll(ctx context.Context, tables []string, pageSize int) ([]models.TargetResult, error)
}

type Auditor interface {
	Audit(ctx context.Context, table string) (models.IntegrityReport, error)
}

type BackupCreator interface {
	CreateBackup(ctx context.Context, kind string) (models.BackupInfo, error)
}

type Cleaner interface {
	Cleanup()
}

// Config holds job intervals. A zero interval disables the job.
type Config struct {
	Tables          []string
	PageSize        int
	SyncInterval    time.Duration
	AuditInterval   time.Duration
	BackupInterval  time.Duration
	CleanupInterval time.Duration
	// FullBackupAt is the weekly (Sunday, UTC) time of the full backup;
	// empty disables it.
	FullBackupAt string
}

// Scheduler manages the periodic maintenance jobs
type Scheduler struct {
	cron    *gocron.Scheduler
	cfg     Config
	log     *zap.Logger
	syncer  Syncer
	auditor Auditor
	backups BackupCreator
	limiter Cleaner

	// ctx is handed to jobs. It outlives the Start context and is only
	// cancelled by Stop or an expired Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	running  sync.WaitGroup
}

// NewScheduler creates a scheduler. Any dependency may be nil, which skips
// its jobs.
func NewScheduler(cfg Config, syncer Syncer, auditor Auditor, backups BackupCreator, limiter Cleaner, log *zap.Logger) *Scheduler {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		cfg:     cfg,
		log:     log,
		syncer:  syncer,
		auditor: auditor,
		backups: backups,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers all jobs and runs them asynchronously. Jobs see the
// values of ctx but not its cancellation: running work is drained by
// Shutdown or aborted by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.log.Info("Starting scheduler...")

	if s.syncer != nil && s.cfg.SyncInterval > 0 {
		if err := s.every(s.cfg.SyncInterval, "sync", s.syncTables); err != nil {
			return err
		}
	}
	if s.auditor != nil && s.cfg.AuditInterval > 0 {
		if err := s.every(s.cfg.AuditInterval, "audit", s.auditTables); err != nil {
			return err
		}
	}
	if s.backups != nil && s.cfg.BackupInterval > 0 {
		if err := s.every(s.cfg.BackupInterval, "backup", s.incrementalBackup); err != nil {
			return err
		}
	}
	if s.backups != nil && s.cfg.FullBackupAt != "" {
		if _, err := s.cron.Every(1).Week().Sunday().At(s.cfg.FullBackupAt).SingletonMode().Tag("full_backup").Do(s.track(s.fullBackup)); err != nil {
			return fmt.Errorf("schedule full_backup: %w", err)
		}
	}
	if s.limiter != nil {
		if err := s.every(s.cfg.CleanupInterval, "auth_cleanup", s.limiter.Cleanup); err != nil {
			return err
		}
	}

	s.cron.StartAsync()
	s.log.Info("Scheduler started successfully", zap.Int("jobs", s.cron.Len()))
	return nil
}

// every schedules fn at a fixed interval, first run one interval from now.
// A run that overlaps the next tick causes that tick to be skipped.
func (s *Scheduler) every(interval time.Duration, tag string, fn func()) error {
	if _, err := s.cron.Every(interval).SingletonMode().WaitForSchedule().Tag(tag).Do(s.track(fn)); err != nil {
		return fmt.Errorf("schedule %s: %w", tag, err)
	}
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return s.cron.Len()
}

// track counts fn as running so Shutdown can wait for it. Runs that fire
// after shutdown began are skipped.
func (s *Scheduler) track(fn func()) func() {
	return func() {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		s.running.Add(1)
		s.mu.Unlock()
		defer s.running.Done()
		fn()
	}
}

// Stop stops the scheduler and cancels running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	s.cron.Stop()
	s.log.Info("Scheduler stopped")
}

// Shutdown stops scheduling new runs and waits for running jobs to finish.
// If ctx ends first the jobs are cancelled and ctx's error returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.cron.Stop()
		s.running.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		s.log.Info("Scheduler stopped")
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("Scheduler jobs still running at shutdown deadline, cancelling", zap.Error(err))
	}
	s.cancel()
	return err
}
