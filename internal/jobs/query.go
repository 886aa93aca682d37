package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// ListState selects which jobs List returns.
type ListState string

const (
	ListActive    ListState = "active"
	ListCompleted ListState = "completed"
)

// StatusView is the stored status of a job. Source is "cache" when the store could not be
// read and the last cached snapshot was used instead.
type StatusView struct {
	JobID     string           `json:"jobId"`
	Status    models.JobStatus `json:"status"`
	Result    map[string]any   `json:"result"`
	CreatedAt *time.Time       `json:"createdAt"`
	UpdatedAt *time.Time       `json:"updatedAt"`
	Source    string           `json:"source"`
}

// Status returns the stored status of a job without calling the Horde.
func (m *Manager) Status(ctx context.Context, jobID, userID string) (*StatusView, error) {
	job, err := m.reader.GetJob(ctx, jobID)
	if err != nil {
		if view, ok := m.cachedStatus(ctx, jobID); ok {
			m.logger.Warn("serving cached job status", "job_id", jobID, "error", err)
			return view, nil
		}
		return nil, fmt.Errorf("reading job: %w", err)
	}
	if job == nil || !job.OwnedBy(userID) {
		return nil, ErrJobNotFound
	}

	created, updated := job.CreatedAt, job.UpdatedAt
	return &StatusView{
		JobID:     job.JobID,
		Status:    job.Status,
		Result:    job.ResultData,
		CreatedAt: &created,
		UpdatedAt: &updated,
		Source:    "store",
	}, nil
}

func (m *Manager) cachedStatus(ctx context.Context, jobID string) (*StatusView, bool) {
	if m.cache == nil {
		return nil, false
	}
	snap, found, err := m.cache.GetJobStatus(ctx, jobID)
	if err != nil || !found {
		return nil, false
	}
	view := &StatusView{JobID: snap.JobID, Status: snap.Status, Source: "cache"}
	if snap.Reason != "" {
		view.Result = map[string]any{"reason": snap.Reason}
	}
	if !snap.UpdatedAt.IsZero() {
		updated := snap.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view, true
}

// List returns a user's active or recently completed jobs.
func (m *Manager) List(ctx context.Context, userID string, state ListState, limit int) ([]*models.Job, error) {
	switch state {
	case ListActive, "":
		return m.reader.ListActiveJobs(ctx, userID)
	case ListCompleted:
		return m.reader.ListCompletedJobs(ctx, userID, limit)
	}
	return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, state)
}

// Generations returns the result records saved separately for a job.
func (m *Manager) Generations(ctx context.Context, jobID, userID string) ([]*models.GenerationRecord, error) {
	job, err := m.reader.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}
	if job != nil && !job.OwnedBy(userID) {
		return nil, ErrJobNotFound
	}
	return m.reader.ListGenerations(ctx, jobID)
}
