package handler

import (
	"context"
	"math"
	"net/http"

	"github.com/kiranshivaraju/hordetrack/internal/api/response"
	"github.com/kiranshivaraju/hordetrack/internal/ratelimit"
)

// Pinger is anything whose connectivity the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type limiterHealth struct {
	Limited           bool `json:"limited"`
	RequestCount      int  `json:"requestCount"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

// NewHealth returns the handler for GET /api/health. It checks database and cache
// connectivity and reports whether outbound polling is cooling down. A limiter in
// cooldown does not make the service unhealthy.
func NewHealth(db, c Pinger, limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":   "ok",
			"services": checks,
		}
		if limiter != nil {
			st := limiter.State()
			body["limiter"] = limiterHealth{
				Limited:           st.Limited,
				RequestCount:      st.RequestCount,
				RetryAfterSeconds: int(math.Ceil(limiter.RetryAfter().Seconds())),
			}
		}
		response.JSON(w, body)
	}
}
