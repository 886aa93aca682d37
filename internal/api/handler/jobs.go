package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/hordetrack/internal/api/response"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/jobs"
	"github.com/kiranshivaraju/hordetrack/internal/store"
	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

const maxSubmitBody = 1 << 20

// JobService is the job lifecycle the handlers drive. *jobs.Manager implements it.
type JobService interface {
	Submit(ctx context.Context, req models.GenerationRequest) (*jobs.SubmitResult, error)
	Check(ctx context.Context, jobID, userID string) (*jobs.CheckResult, error)
	Cancel(ctx context.Context, jobID, userID string) (*jobs.CancelResult, error)
	Status(ctx context.Context, jobID, userID string) (*jobs.StatusView, error)
	List(ctx context.Context, userID string, state jobs.ListState, limit int) ([]*models.Job, error)
	Generations(ctx context.Context, jobID, userID string) ([]*models.GenerationRecord, error)
}

// Jobs serves the /api/jobs routes.
type Jobs struct {
	svc       JobService
	validator *RequestValidator
}

// NewJobs creates the job handlers.
func NewJobs(svc JobService, v *RequestValidator) *Jobs {
	if v == nil {
		v = MustRequestValidator()
	}
	return &Jobs{svc: svc, validator: v}
}

// Submit handles POST /api/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body too large", nil)
			return
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read request body", nil)
		return
	}

	problems, err := h.validator.ValidateSubmit(body)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if len(problems) > 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", "Request body failed validation", problems)
		return
	}

	var req models.GenerationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	res, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	response.Accepted(w, res)
}

func writeSubmitError(w http.ResponseWriter, err error) {
	msg := horde.UserMessage(err)
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, horde.ErrQuestionablePrompt):
		response.Error(w, http.StatusUnprocessableEntity, "QUESTIONABLE_PROMPT", msg, nil)
	case errors.Is(err, horde.ErrInvalidAPIKey):
		response.Error(w, http.StatusUnauthorized, "HORDE_INVALID_API_KEY", msg, nil)
	case errors.Is(err, horde.ErrForbidden):
		response.Error(w, http.StatusForbidden, "HORDE_FORBIDDEN", msg, nil)
	case errors.Is(err, horde.ErrBadRequest):
		response.Error(w, http.StatusBadRequest, "HORDE_BAD_REQUEST", msg, nil)
	case errors.Is(err, horde.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		response.Error(w, http.StatusTooManyRequests, "HORDE_RATE_LIMITED", msg, nil)
	case errors.Is(err, horde.ErrMaintenanceMode):
		response.Error(w, http.StatusServiceUnavailable, "HORDE_MAINTENANCE", msg, nil)
	case errors.Is(err, horde.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "HORDE_TIMEOUT", msg, nil)
	case errors.Is(err, horde.ErrUnreachable):
		response.Error(w, http.StatusBadGateway, "HORDE_UNREACHABLE", msg, nil)
	default:
		slog.Error("job submission failed", "error", err)
		response.Error(w, http.StatusBadGateway, "HORDE_ERROR", msg, nil)
	}
}

// Check handles POST /api/jobs/{jobId}/check. Rate-limited polls are still a 200; the
// body carries rateLimited and the Retry-After header is set.
func (h *Jobs) Check(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Check(r.Context(), chi.URLParam(r, "jobId"), userID(r))
	if err != nil {
		writeJobError(w, err)
		return
	}
	if res.RateLimited && res.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
	}
	response.JSON(w, res)
}

// Cancel handles POST /api/jobs/{jobId}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "jobId"), userID(r))
	if err != nil {
		writeJobError(w, err)
		return
	}
	response.JSON(w, res)
}

// Status handles GET /api/jobs/{jobId}/status. Unknown jobs answer 404 with
// status "unknown".
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), chi.URLParam(r, "jobId"), userID(r))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			response.ErrorWithFields(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found",
				map[string]any{"status": "unknown"})
			return
		}
		writeJobError(w, err)
		return
	}
	response.JSON(w, view)
}

// List handles GET /api/jobs?userId=&state=active|completed&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	limit = store.ClampLimit(limit)

	list, err := h.svc.List(r.Context(), q.Get("userId"), jobs.ListState(q.Get("state")), limit)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.Collection(w, list, response.PaginationMeta{Limit: limit, Total: len(list)})
}

// Generations handles GET /api/jobs/{jobId}/generations.
func (h *Jobs) Generations(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Generations(r.Context(), chi.URLParam(r, "jobId"), userID(r))
	if err != nil {
		writeJobError(w, err)
		return
	}
	if records == nil {
		records = []*models.GenerationRecord{}
	}
	response.JSON(w, records)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func userID(r *http.Request) string {
	return r.URL.Query().Get("userId")
}
