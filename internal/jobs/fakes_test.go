package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/hordetrack/internal/cache"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/store"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// --- fake Horde client ---

type statusReply struct {
	st  *horde.RemoteStatus
	err error
}

type fakeClient struct {
	mu sync.Mutex

	submitRes *horde.SubmitResult
	submitErr error
	submitted []models.GenerationRequest

	replies    []statusReply
	checkCalls int

	cancelRes   *horde.CancelResult
	cancelErr   error
	cancelCalls int
}

func (f *fakeClient) Submit(_ context.Context, req models.GenerationRequest) (*horde.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitRes != nil {
		return f.submitRes, nil
	}
	return &horde.SubmitResult{JobID: "job-1", Kudos: 10}, nil
}

// CheckStatus replays the queued replies; the last one repeats.
func (f *fakeClient) CheckStatus(_ context.Context, _ string) (*horde.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if len(f.replies) == 0 {
		return &horde.RemoteStatus{}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.st, r.err
}

func (f *fakeClient) Cancel(_ context.Context, _ string) (*horde.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	if f.cancelRes != nil {
		return f.cancelRes, nil
	}
	return &horde.CancelResult{Supported: true, StatusCode: 200}, nil
}

func (f *fakeClient) Heartbeat(context.Context) error { return nil }

func (f *fakeClient) queue(replies ...statusReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeClient) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls
}

// --- in-memory job store ---

var errStoreDown = errors.New("store unavailable")

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	gens map[string][]*models.GenerationRecord

	failReads  bool
	failWrites bool
	now        func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs: map[string]*models.Job{},
		gens: map[string][]*models.GenerationRecord{},
		now:  time.Now,
	}
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return nil, errStoreDown
	}
	if existing, ok := s.jobs[job.JobID]; ok {
		return copyJob(existing), nil
	}
	j := copyJob(job)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	j.UpdatedAt = j.CreatedAt
	s.jobs[j.JobID] = j
	return copyJob(j), nil
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return nil, errStoreDown
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return copyJob(j), nil
}

func (s *memStore) UpdateJobStatus(_ context.Context, jobID string, status models.JobStatus, resultData map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !models.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	if resultData != nil {
		// Round-trip through JSON like a jsonb column.
		b, err := json.Marshal(resultData)
		if err != nil {
			return err
		}
		var patch map[string]any
		if err := json.Unmarshal(b, &patch); err != nil {
			return err
		}
		if j.ResultData == nil {
			j.ResultData = map[string]any{}
		}
		for k, v := range patch {
			j.ResultData[k] = v
		}
	}

	now := s.now()
	if !(j.Status == status && status.IsTerminal()) {
		j.UpdatedAt = now
	}
	if status.IsTerminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	j.Status = status
	return nil
}

func (s *memStore) ListActiveJobs(_ context.Context, userID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Job{}
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && (userID == "" || (j.UserID != nil && *j.UserID == userID)) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *memStore) ListCompletedJobs(_ context.Context, userID string, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Job{}
	for _, j := range s.jobs {
		if len(out) >= store.ClampLimit(limit) {
			break
		}
		if j.Status == models.JobStatusCompleted && (userID == "" || (j.UserID != nil && *j.UserID == userID)) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *memStore) SaveGenerations(_ context.Context, records []*models.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	for _, r := range records {
		s.gens[r.JobID] = append(s.gens[r.JobID], r)
	}
	return nil
}

func (s *memStore) ListGenerations(_ context.Context, jobID string) ([]*models.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.GenerationRecord{}, s.gens[jobID]...), nil
}

func (s *memStore) PurgeJobsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) job(id string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return copyJob(j)
	}
	return nil
}

func (s *memStore) put(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.JobID] = copyJob(j)
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.ResultData != nil {
		c.ResultData = make(map[string]any, len(j.ResultData))
		for k, v := range j.ResultData {
			c.ResultData[k] = v
		}
	}
	return &c
}

// --- fake cache ---

type memCache struct {
	mu    sync.Mutex
	snaps map[string]cache.JobSnapshot
}

func newMemCache() *memCache { return &memCache{snaps: map[string]cache.JobSnapshot{}} }

func (c *memCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *memCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (c *memCache) Delete(context.Context, string) error { return nil }
func (c *memCache) Ping(context.Context) error { return nil }
func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func (c *memCache) SetJobStatus(_ context.Context, snap cache.JobSnapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.JobID] = snap
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, jobID string) (*cache.JobSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[jobID]
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

var (
	_ horde.Client   = (*fakeClient)(nil)
	_ Reader         = (*memStore)(nil)
	_ TrackerBackend = (*memStore)(nil)
	_ cache.Cache    = (*memCache)(nil)
)
