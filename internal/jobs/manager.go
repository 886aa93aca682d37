// Package jobs drives generation jobs from submission to a terminal state.
//
// The Manager submits work to the Horde, polls it, and reconciles what the Horde reports
// with the stored Job row. Remote failures during polling become job state or a transient
// flag on the returned result; they are never returned as errors. Persistence goes through
// a Tracker and is best-effort.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/hordetrack/internal/cache"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/ratelimit"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid job request")
	ErrAwaitExhausted = errors.New("job still running after max attempts")
)

// Failure reasons recorded in resultData.reason.
const (
	ReasonNotFound      = "Job not found"
	ReasonFaulted       = "Generation faulted"
	ReasonNoGenerations = "No generations found"
)

// Reader is the read side of the job store.
type Reader interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListActiveJobs(ctx context.Context, userID string) ([]*models.Job, error)
	ListCompletedJobs(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	ListGenerations(ctx context.Context, jobID string) ([]*models.GenerationRecord, error)
}

// SubmitResult is returned once the Horde accepted a job.
type SubmitResult struct {
	JobID    string           `json:"jobId"`
	Kudos    float64          `json:"kudos"`
	Status   models.JobStatus `json:"status"`
	Warnings []string         `json:"warnings,omitempty"`
}

// CheckResult is the outcome of one poll. Transient and RateLimited mark outcomes the
// caller should retry later; Status is left as it was in those cases.
type CheckResult struct {
	JobID             string              `json:"jobId"`
	Status            models.JobStatus    `json:"status"`
	Done              bool                `json:"done"`
	Faulted           bool                `json:"faulted"`
	Waiting           int                 `json:"waiting"`
	Processing        int                 `json:"processing"`
	Finished          int                 `json:"finished"`
	QueuePosition     int                 `json:"queuePosition"`
	WaitTime          int                 `json:"waitTime"`
	Generations       []models.Generation `json:"generations,omitempty"`
	RateLimited       bool                `json:"rateLimited"`
	RetryAfter        time.Duration       `json:"-"`
	RetryAfterSeconds int                 `json:"retryAfterSeconds,omitempty"`
	Transient         bool                `json:"transient,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	Message           string              `json:"message,omitempty"`
	FromStore         bool                `json:"fromStore,omitempty"`
}

// CancelResult reports a cancellation. Success is true whenever the job is, or already
// was, in a terminal state locally.
type CancelResult struct {
	Success         bool             `json:"success"`
	Status          models.JobStatus `json:"status"`
	AlreadyTerminal bool             `json:"alreadyTerminal,omitempty"`
	ExternalResult  ExternalCancel   `json:"externalResult"`
	SavedImages     int              `json:"savedImages,omitempty"`
}

// ExternalCancel is what the Horde said about the cancellation.
type ExternalCancel struct {
	Attempted  bool   `json:"attempted"`
	Supported  bool   `json:"supported"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Manager is the job lifecycle manager. It is safe for concurrent use; the rate limiter
// is the only state shared between calls.
type Manager struct {
	client  horde.Client
	reader  Reader
	tracker Tracker
	limiter *ratelimit.Limiter
	cache   cache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStatusCache enables the cached-status fallback used by Status when the store fails.
func WithStatusCache(c cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// NewManager creates a Manager. A nil tracker discards lifecycle events.
func NewManager(client horde.Client, reader Reader, tracker Tracker, limiter *ratelimit.Limiter, opts ...Option) *Manager {
	if tracker == nil {
		tracker = NopTracker{}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	m := &Manager{
		client:  client,
		reader:  reader,
		tracker: tracker,
		limiter: limiter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limiter exposes the outbound rate limiter for diagnostics.
func (m *Manager) Limiter() *ratelimit.Limiter { return m.limiter }

// Submit sends a job to the Horde and records it as pending once accepted. Rejections are
// returned as horde errors and no job is recorded.
func (m *Manager) Submit(ctx context.Context, req models.GenerationRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	res, err := m.client.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, horde.ErrRateLimited) {
			m.limiter.StartCooldown()
		}
		m.logger.Info("job submission rejected", "error", err)
		return nil, err
	}

	params, err := json.Marshal(req.Params.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	now := m.now().UTC()
	job := &models.Job{
		JobID:     res.JobID,
		UserID:    req.UserID,
		Status:    models.JobStatusPending,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tracker.JobCreated(ctx, job)
	m.logger.Info("job submitted", "job_id", res.JobID, "kudos", res.Kudos)

	return &SubmitResult{
		JobID:    res.JobID,
		Kudos:    res.Kudos,
		Status:   models.JobStatusPending,
		Warnings: res.Warnings,
	}, nil
}

// Check polls the Horde once and reconciles the stored job with the answer. A job already
// terminal in the store is answered from the store without a remote call. Only an invalid
// job id or an ownership mismatch is returned as an error.
func (m *Manager) Check(ctx context.Context, jobID, userID string) (*CheckResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}

	stored := m.lookup(ctx, jobID)
	if stored != nil && !stored.OwnedBy(userID) {
		return nil, ErrJobNotFound
	}
	current := models.JobStatusPending
	if stored != nil {
		current = stored.Status
		if current.IsTerminal() {
			return resultFromJob(stored), nil
		}
	}

	if m.limiter.CheckLimit() {
		retry := m.limiter.RetryAfter()
		return &CheckResult{
			JobID:             jobID,
			Status:            current,
			RateLimited:       true,
			Transient:         true,
			RetryAfter:        retry,
			RetryAfterSeconds: ceilSeconds(retry),
			Message:           horde.UserMessage(horde.ErrRateLimited),
		}, nil
	}

	st, err := m.client.CheckStatus(ctx, jobID)
	if err != nil {
		return m.reconcileError(ctx, jobID, current, err), nil
	}
	return m.reconcileStatus(ctx, jobID, current, st), nil
}

func (m *Manager) reconcileError(ctx context.Context, jobID string, current models.JobStatus, err error) *CheckResult {
	switch {
	case errors.Is(err, horde.ErrNotFound):
		return m.fail(ctx, jobID, ReasonNotFound)

	case errors.Is(err, horde.ErrRateLimited):
		m.limiter.StartCooldown()
		m.tracker.StatusChanged(ctx, jobID, models.JobStatusProcessing, map[string]any{
			"rate_limited":    true,
			"rate_limited_at": m.now().UTC().Format(time.RFC3339),
		})
		retry := m.limiter.RetryAfter()
		return &CheckResult{
			JobID:             jobID,
			Status:            models.JobStatusProcessing,
			RateLimited:       true,
			Transient:         true,
			RetryAfter:        retry,
			RetryAfterSeconds: ceilSeconds(retry),
			Message:           horde.UserMessage(err),
		}

	case horde.IsTransient(err):
		m.logger.Warn("transient status check failure", "job_id", jobID, "error", err)
		return &CheckResult{
			JobID:     jobID,
			Status:    current,
			Transient: true,
			Message:   horde.UserMessage(err),
		}
	}

	reason := "Status check failed"
	var apiErr *horde.APIError
	if errors.As(err, &apiErr) {
		reason = fmt.Sprintf("Status check failed (HTTP %d)", apiErr.StatusCode)
	}
	m.logger.Warn("status check failed", "job_id", jobID, "error", err)
	return m.fail(ctx, jobID, reason)
}

func (m *Manager) reconcileStatus(ctx context.Context, jobID string, current models.JobStatus, st *horde.RemoteStatus) *CheckResult {
	res := &CheckResult{
		JobID:         jobID,
		Done:          st.Done,
		Faulted:       st.Faulted,
		Waiting:       st.Waiting,
		Processing:    st.Processing,
		Finished:      st.Finished,
		QueuePosition: st.QueuePosition,
		WaitTime:      st.WaitTime,
	}

	switch {
	case st.Faulted:
		return m.failWith(ctx, res, ReasonFaulted)

	case st.Done && len(st.Generations) > 0:
		res.Status = models.JobStatusCompleted
		res.Generations = st.Generations
		m.tracker.StatusChanged(ctx, jobID, models.JobStatusCompleted, map[string]any{
			"generations": generationPayloads(st.Generations),
			"kudos":       st.Kudos,
		})
		m.logger.Info("job completed", "job_id", jobID, "generations", len(st.Generations))
		return res

	case st.Done && st.Processing == 0:
		return m.failWith(ctx, res, ReasonNoGenerations)
	}

	// Still running, or done with images still being processed.
	res.Status = models.JobStatusProcessing
	m.tracker.StatusChanged(ctx, jobID, models.JobStatusProcessing, map[string]any{
		"wait_time":      st.WaitTime,
		"queue_position": st.QueuePosition,
		"waiting":        st.Waiting,
		"processing":     st.Processing,
		"finished":       st.Finished,
		"is_possible":    st.IsPossible,
		"rate_limited":   false,
	})
	if current == models.JobStatusPending {
		m.logger.Debug("job picked up", "job_id", jobID)
	}
	return res
}

func (m *Manager) fail(ctx context.Context, jobID, reason string) *CheckResult {
	return m.failWith(ctx, &CheckResult{JobID: jobID}, reason)
}

func (m *Manager) failWith(ctx context.Context, res *CheckResult, reason string) *CheckResult {
	res.Status = models.JobStatusFailed
	res.Reason = reason
	res.Message = failureMessage(reason)
	m.tracker.StatusChanged(ctx, res.JobID, models.JobStatusFailed, map[string]any{"reason": reason})
	m.logger.Info("job failed", "job_id", res.JobID, "reason", reason)
	return res
}

// Cancel marks a job cancelled. The Horde is asked to cancel too, but its answer never
// changes the local outcome; partial generations it returns are saved as separate records.
// Cancelling a terminal job is a no-op, and a job the store does not know is ErrJobNotFound.
// When the store cannot be read the cancel still goes ahead.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) (*CancelResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}

	stored, err := m.reader.GetJob(ctx, jobID)
	switch {
	case err != nil:
		m.logger.Warn("reading job failed, cancelling anyway", "job_id", jobID, "error", err)
		stored = nil
	case stored == nil, !stored.OwnedBy(userID):
		return nil, ErrJobNotFound
	case stored.Status.IsTerminal():
		return &CancelResult{Success: true, Status: stored.Status, AlreadyTerminal: true}, nil
	}

	result := &CancelResult{Success: true, Status: models.JobStatusCancelled}
	result.ExternalResult.Attempted = true

	remote, err := m.client.Cancel(ctx, jobID)
	switch {
	case err != nil:
		m.logger.Warn("remote cancel failed", "job_id", jobID, "error", err)
		result.ExternalResult.Error = err.Error()
	case remote != nil:
		result.ExternalResult.Supported = remote.Supported
		result.ExternalResult.StatusCode = remote.StatusCode
		result.ExternalResult.Message = remote.Message
		if len(remote.Generations) > 0 {
			var owner *string
			if stored != nil {
				owner = stored.UserID
			}
			records := make([]*models.GenerationRecord, 0, len(remote.Generations))
			now := m.now().UTC()
			for _, g := range remote.Generations {
				records = append(records, &models.GenerationRecord{
					Generation: g,
					JobID:      jobID,
					UserID:     owner,
					Source:     "cancelled",
					CreatedAt:  now,
				})
			}
			m.tracker.GenerationsSaved(ctx, records)
			result.SavedImages = len(records)
		}
	}

	m.tracker.StatusChanged(ctx, jobID, models.JobStatusCancelled, map[string]any{
		"cancelled_by_user":       true,
		"remote_cancel_supported": result.ExternalResult.Supported,
	})
	m.logger.Info("job cancelled", "job_id", jobID, "remote_supported", result.ExternalResult.Supported,
		"saved_images", result.SavedImages)
	return result, nil
}

// lookup reads the stored job. Store failures are logged and treated as "not stored".
func (m *Manager) lookup(ctx context.Context, jobID string) *models.Job {
	job, err := m.reader.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("reading job failed", "job_id", jobID, "error", err)
		return nil
	}
	return job
}

func resultFromJob(job *models.Job) *CheckResult {
	res := &CheckResult{
		JobID:     job.JobID,
		Status:    job.Status,
		Done:      job.Status.IsTerminal(),
		Reason:    job.Reason(),
		FromStore: true,
	}
	if res.Reason != "" {
		res.Message = failureMessage(res.Reason)
	}
	return res
}

func failureMessage(reason string) string {
	switch reason {
	case ReasonNotFound:
		return "The job expired or was removed from the Horde."
	case ReasonFaulted:
		return "The Horde could not generate this image. Try again or adjust the prompt."
	case ReasonNoGenerations:
		return "The job finished without producing any images."
	}
	return "The job could not be checked. Please submit it again."
}

// generationPayloads flattens generations for resultData.
func generationPayloads(gens []models.Generation) []map[string]any {
	out := make([]map[string]any, 0, len(gens))
	for _, g := range gens {
		p := map[string]any{
			"id":   g.ID,
			"seed": g.Seed,
			"kind": string(g.Kind),
		}
		if g.URL != "" {
			p["url"] = g.URL
		}
		if len(g.Data) > 0 {
			p["img"] = g.Data
		}
		if g.Model != "" {
			p["model"] = g.Model
		}
		if g.WorkerName != "" {
			p["worker_name"] = g.WorkerName
		}
		if g.Censored {
			p["censored"] = true
		}
		if g.Error != "" {
			p["error"] = g.Error
		}
		out = append(out, p)
	}
	return out
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
