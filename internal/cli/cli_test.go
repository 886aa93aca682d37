package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/hordetrack/internal/config"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/jobs"
	"github.com/kiranshivaraju/hordetrack/internal/ratelimit"
	"github.com/kiranshivaraju/hordetrack/internal/store"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// --- in-memory store ---

type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	generations []*models.GenerationRecord
	keys        []*models.APIKey
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.Job)}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.JobID]; ok {
		return existing, nil
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.JobID] = job
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, jobID string, status models.JobStatus, resultData map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !models.CanTransition(job.Status, status) {
		return store.ErrInvalidTransition
	}
	if job.ResultData == nil {
		job.ResultData = map[string]any{}
	}
	for k, v := range resultData {
		job.ResultData[k] = v
	}
	now := time.Now()
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.Status = status
	job.UpdatedAt = now
	return nil
}

func (m *memStore) list(userID string, match func(models.JobStatus) bool) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if match(j.Status) && (userID == "" || (j.UserID != nil && *j.UserID == userID)) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

func (m *memStore) ListActiveJobs(_ context.Context, userID string) ([]*models.Job, error) {
	return m.list(userID, func(s models.JobStatus) bool { return !s.IsTerminal() }), nil
}

func (m *memStore) ListCompletedJobs(_ context.Context, userID string, limit int) ([]*models.Job, error) {
	out := m.list(userID, func(s models.JobStatus) bool { return s == models.JobStatusCompleted })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) PurgeJobsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SaveGenerations(_ context.Context, records []*models.GenerationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations = append(m.generations, records...)
	return nil
}

func (m *memStore) ListGenerations(_ context.Context, jobID string) ([]*models.GenerationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationRecord
	for _, g := range m.generations {
		if g.JobID == jobID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }

func (m *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *memStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.APIKey(nil), m.keys...), nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.keys {
		if k.ID == id {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// --- fake Horde ---

type stubHorde struct {
	status *horde.RemoteStatus
}

func (h *stubHorde) Submit(context.Context, models.GenerationRequest) (*horde.SubmitResult, error) {
	return &horde.SubmitResult{JobID: "job-new"}, nil
}

func (h *stubHorde) CheckStatus(context.Context, string) (*horde.RemoteStatus, error) {
	return h.status, nil
}

func (h *stubHorde) Cancel(context.Context, string) (*horde.CancelResult, error) {
	return &horde.CancelResult{Supported: true, StatusCode: 200}, nil
}

func (h *stubHorde) Heartbeat(context.Context) error { return nil }

// --- harness ---

type harness struct {
	store  *memStore
	horde  *stubHorde
	opened int
	closed int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/hordetrack_test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RETENTION_WINDOW", "24h")
	return &harness{store: newMemStore(), horde: &stubHorde{status: &horde.RemoteStatus{}}}
}

func (h *harness) open(_ context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	h.opened++
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 100, Window: time.Minute, Cooldown: time.Second})
	tracker := jobs.NewStoreTracker(h.store, nil, time.Minute, logger)
	return &Backend{
		Store:   h.store,
		Manager: jobs.NewManager(h.horde, h.store, tracker, limiter, jobs.WithLogger(logger)),
		Close:   func() { h.closed++ },
	}, nil
}

func (h *harness) run(args ...string) (string, error) {
	cmd, cleanup := NewRootCmd(h.open)
	defer cleanup()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) seedJob(id string, status models.JobStatus, createdAt time.Time) {
	h.store.jobs[id] = &models.Job{
		JobID:     id,
		Status:    status,
		Prompt:    "a lighthouse",
		Model:     "stable_diffusion",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestPurge_UsesConfiguredWindow(t *testing.T) {
	h := newHarness(t)
	h.seedJob("old", models.JobStatusCompleted, time.Now().Add(-48*time.Hour))
	h.seedJob("fresh", models.JobStatusPending, time.Now())

	out, err := h.run("purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 1 job(s)")
	assert.Contains(t, h.store.jobs, "fresh")
	assert.NotContains(t, h.store.jobs, "old")
}

func TestPurge_OlderThanFlag(t *testing.T) {
	h := newHarness(t)
	h.seedJob("a", models.JobStatusCompleted, time.Now().Add(-2*time.Hour))
	h.seedJob("b", models.JobStatusCompleted, time.Now().Add(-10*time.Minute))

	out, err := h.run("purge", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 1 job(s) older than 1h0m0s")
	assert.Len(t, h.store.jobs, 1)
}

func TestPoll_CompletesJob(t *testing.T) {
	h := newHarness(t)
	h.seedJob("job-1", models.JobStatusProcessing, time.Now())
	h.horde.status = &horde.RemoteStatus{
		Done:     true,
		Finished: 1,
		Generations: []models.Generation{
			{ID: "g1", Seed: "42", Kind: models.ImageURL, URL: "https://r2.example/g1.webp"},
		},
	}

	out, err := h.run("poll", "job-1", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, `"jobId": "job-1"`)
	assert.Equal(t, models.JobStatusCompleted, h.store.jobs["job-1"].Status)
}

func TestPoll_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.seedJob("job-1", models.JobStatusPending, time.Now())
	h.horde.status = &horde.RemoteStatus{Waiting: 1, QueuePosition: 3, WaitTime: 20}

	out, err := h.run("poll", "job-1", "--interval", "5ms", "--max-attempts", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still processing after 2 attempts")
	assert.Equal(t, 2, strings.Count(out, "queue=3"))
}

func TestStatus_PrintsStoredJob(t *testing.T) {
	h := newHarness(t)
	h.seedJob("job-1", models.JobStatusProcessing, time.Now())

	out, err := h.run("status", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "processing"`)
}

func TestStatus_UnknownJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("status", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found: nope")
}

func TestRoot_ClosesBackendOnSuccessAndFailure(t *testing.T) {
	h := newHarness(t)
	h.seedJob("job-1", models.JobStatusPending, time.Now())

	_, err := h.run("status", "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.closed)

	_, err = h.run("status", "missing")
	require.Error(t, err)
	assert.Equal(t, 2, h.opened)
	assert.Equal(t, 2, h.closed)
}

func TestRoot_CleanupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	cmd, cleanup := NewRootCmd(h.open)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"keys", "list"})

	require.NoError(t, cmd.Execute())
	cleanup()
	cleanup()
	assert.Equal(t, 1, h.closed)
}

func TestKeys_CreateListRevoke(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("keys", "create", "ops", "--scope", "jobs", "--scope", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "scopes=jobs,admin")
	assert.Contains(t, out, "ht_")
	require.Len(t, h.store.keys, 1)
	id := h.store.keys[0].ID.String()

	out, err = h.run("keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "ops")
	assert.Contains(t, out, "never")

	out, err = h.run("keys", "revoke", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked key "+id)

	out, err = h.run("keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No API keys.")
}

func TestKeys_RejectsUnknownScope(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("keys", "create", "ops", "--scope", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown scope "root"`)
	assert.Zero(t, h.opened)
}

func TestKeys_RevokeErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("keys", "revoke", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key id")

	_, err = h.run("keys", "revoke", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key not found")
}

func TestRoot_MissingConfig(t *testing.T) {
	h := newHarness(t)
	t.Setenv("DATABASE_URL", "")

	_, err := h.run("status", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Zero(t, h.opened)
}

func TestRoot_OpenerError(t *testing.T) {
	newHarness(t)
	cmd, cleanup := NewRootCmd(func(context.Context, *config.Config, *slog.Logger) (*Backend, error) {
		return nil, errors.New("connect database: refused")
	})
	defer cleanup()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"keys", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestRoot_Version(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
