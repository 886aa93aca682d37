package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	JobStore
	GenerationStore

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// JobStore persists Job records.
//
// CreateJob is idempotent on JobID and returns the stored row. GetJob returns (nil, nil)
// when no row exists. UpdateJobStatus merges resultData into the stored result, sets
// completed_at once on entering a terminal state, and returns ErrInvalidTransition for
// moves the lifecycle does not allow. An empty userID on the list queries means all users.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]any) error
	ListActiveJobs(ctx context.Context, userID string) ([]*models.Job, error)
	ListCompletedJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	PurgeJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// GenerationStore persists generations as records separate from their job.
type GenerationStore interface {
	SaveGenerations(ctx context.Context, records []*models.GenerationRecord) error
	ListGenerations(ctx context.Context, jobID string) ([]*models.GenerationRecord, error)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
