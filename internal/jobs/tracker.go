package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/hordetrack/internal/cache"
	"github.com/kiranshivaraju/hordetrack/internal/store"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// Tracker receives lifecycle events from the Manager. It is a telemetry sink: methods
// return nothing and a failing backend must never fail the job operation that fired them.
type Tracker interface {
	JobCreated(ctx context.Context, job *models.Job)
	StatusChanged(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]any)
	GenerationsSaved(ctx context.Context, records []*models.GenerationRecord)
}

// NopTracker discards every event.
type NopTracker struct{}

func (NopTracker) JobCreated(context.Context, *models.Job) {}
func (NopTracker) StatusChanged(context.Context, string, models.JobStatus, map[string]any) {}
func (NopTracker) GenerationsSaved(context.Context, []*models.GenerationRecord) {}

// TrackerBackend is the persistence a StoreTracker writes to.
type TrackerBackend interface {
	CreateJob(ctx context.Context, job *models.Job) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]any) error
	SaveGenerations(ctx context.Context, records []*models.GenerationRecord) error
}

// StoreTracker persists events to the job store and mirrors each status to the cache.
// Errors are logged and swallowed.
type StoreTracker struct {
	store    TrackerBackend
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStoreTracker creates a StoreTracker. c may be nil to skip status snapshots.
func NewStoreTracker(st TrackerBackend, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *StoreTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreTracker{
		store:    st,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

func (t *StoreTracker) JobCreated(ctx context.Context, job *models.Job) {
	stored, err := t.store.CreateJob(ctx, job)
	if err != nil {
		t.logger.Warn("tracking job creation failed", "job_id", job.JobID, "error", err)
		t.snapshot(ctx, job.JobID, job.Status, "")
		return
	}
	t.snapshot(ctx, stored.JobID, stored.Status, stored.Reason())
}

func (t *StoreTracker) StatusChanged(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]any) {
	err := t.store.UpdateJobStatus(ctx, jobID, status, resultData)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// A concurrent poller already settled the job; the stored row wins.
		t.logger.Debug("status update skipped", "job_id", jobID, "status", status, "error", err)
		return
	case errors.Is(err, store.ErrNotFound):
		t.logger.Warn("status update for untracked job", "job_id", jobID, "status", status)
	case err != nil:
		t.logger.Warn("tracking status change failed", "job_id", jobID, "status", status, "error", err)
	}

	reason, _ := resultData["reason"].(string)
	t.snapshot(ctx, jobID, status, reason)
}

func (t *StoreTracker) GenerationsSaved(ctx context.Context, records []*models.GenerationRecord) {
	if len(records) == 0 {
		return
	}
	if err := t.store.SaveGenerations(ctx, records); err != nil {
		t.logger.Warn("saving generations failed", "job_id", records[0].JobID, "count", len(records), "error", err)
	}
}

func (t *StoreTracker) snapshot(ctx context.Context, jobID string, status models.JobStatus, reason string) {
	if t.cache == nil {
		return
	}
	snap := cache.JobSnapshot{JobID: jobID, Status: status, Reason: reason, UpdatedAt: t.now().UTC()}
	if err := t.cache.SetJobStatus(ctx, snap, t.cacheTTL); err != nil {
		t.logger.Debug("caching job status failed", "job_id", jobID, "error", err)
	}
}

var (
	_ Tracker = NopTracker{}
	_ Tracker = (*StoreTracker)(nil)
)
