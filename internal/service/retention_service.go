package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/classhub/assignment-api/internal/models"
	"github.com/classhub/assignment-api/pkg/jobs"
)

type retentionAssignmentStore interface {
	ListClosedBefore(ctx context.Context, cutoff time.Time) ([]models.Assignment, error)
}

type retentionSubmissionStore interface {
	PurgePayloads(ctx context.Context, assignmentID string, at time.Time) (int64, error)
}

type retentionFileStore interface {
	ListByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) ([]models.StoredFile, error)
	Delete(ctx context.Context, id string) error
}

type blobDeleter interface {
	Delete(filename string) error
}

// RetentionConfig tunes the sweep loop and its worker pool.
type RetentionConfig struct {
	SweepInterval     time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

// RetentionService purges expired payloads of closed assignments. A periodic
// sweep finds assignments whose retention window has elapsed and enqueues one
// purge job per assignment; grading results are never touched.
type RetentionService struct {
	assignments retentionAssignmentStore
	submissions retentionSubmissionStore
	files       retentionFileStore
	storage     blobDeleter
	metrics     *MetricsService
	logger      *zap.Logger

	interval time.Duration
	queue    *jobs.Queue
	cancel   context.CancelFunc
	done     chan struct{}
}

type purgePayload struct {
	AssignmentID string
	ClosedAt     time.Time
	Submissions  bool
	Instructions bool
}

// NewRetentionService constructs the sweeper with defaults.
func NewRetentionService(assignments retentionAssignmentStore, submissions retentionSubmissionStore, files retentionFileStore, storage blobDeleter, metrics *MetricsService, logger *zap.Logger, cfg RetentionConfig) *RetentionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	s := &RetentionService{
		assignments: assignments,
		submissions: submissions,
		files:       files,
		storage:     storage,
		metrics:     metrics,
		logger:      logger,
		interval:    cfg.SweepInterval,
		done:        make(chan struct{}),
	}
	s.queue = jobs.NewQueue("retention-purge", s.handlePurge, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return s
}

// Start launches the workers and the sweep ticker.
func (s *RetentionService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.queue.Start(ctx)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the ticker and drains the workers.
func (s *RetentionService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.queue.Stop()
}

func (s *RetentionService) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep scans closed assignments and enqueues purges for those whose
// retention window has elapsed. Exposed for the manual admin trigger.
func (s *RetentionService) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	closed, err := s.assignments.ListClosedBefore(ctx, now)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, a := range closed {
		if a.ClosedAt == nil {
			continue
		}
		job := purgePayload{AssignmentID: a.ID, ClosedAt: *a.ClosedAt}
		if expired(a.CleanSubmissionsAfter, *a.ClosedAt, now) {
			job.Submissions = true
		}
		if expired(a.CleanInstructionsAfter, *a.ClosedAt, now) {
			job.Instructions = true
		}
		if !job.Submissions && !job.Instructions {
			continue
		}
		if err := s.queue.Enqueue(jobs.Job{ID: a.ID, Type: "purge", Payload: job}); err != nil {
			s.logger.Warn("failed to enqueue purge", zap.String("assignment_id", a.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("retention sweep enqueued purges", zap.Int("count", enqueued))
	}
	return nil
}

func (s *RetentionService) handlePurge(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(purgePayload)
	if !ok {
		s.logger.Warn("unexpected purge payload", zap.String("job_id", job.ID))
		return nil
	}
	now := time.Now().UTC()

	if payload.Submissions {
		purged, err := s.submissions.PurgePayloads(ctx, payload.AssignmentID, now)
		if err != nil {
			return err
		}
		if purged > 0 {
			s.metrics.ObserveRetentionPurge(purged)
			s.logger.Info("purged submission payloads",
				zap.String("assignment_id", payload.AssignmentID), zap.Int64("count", purged))
		}
		if err := s.deleteFiles(ctx, payload.AssignmentID, models.FilePurposeSubmission); err != nil {
			return err
		}
	}
	if payload.Instructions {
		if err := s.deleteFiles(ctx, payload.AssignmentID, models.FilePurposeInstruction); err != nil {
			return err
		}
	}
	return nil
}

func (s *RetentionService) deleteFiles(ctx context.Context, assignmentID string, purpose models.FilePurpose) error {
	files, err := s.files.ListByAssignment(ctx, assignmentID, purpose)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.files.Delete(ctx, f.ID); err != nil {
			return err
		}
		if err := s.storage.Delete(f.FilePath); err != nil {
			s.logger.Warn("failed to delete expired blob", zap.String("path", f.FilePath), zap.Error(err))
		}
	}
	return nil
}

// expired reports whether the retention window elapsed. "never" never expires.
func expired(period models.RetentionPeriod, closedAt, now time.Time) bool {
	window, ok := period.Duration()
	if !ok {
		return false
	}
	return closedAt.Add(window).Before(now)
}
