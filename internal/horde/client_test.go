package horde

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// --- helpers ---

func hordeServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, "test-key", "hordetrack:test:ci", 5*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Submit tests ---

func TestSubmit_Accepted(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate/async" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("apikey") != "test-key" {
			t.Errorf("unexpected apikey header: %q", r.Header.Get("apikey"))
		}
		if r.Header.Get("Client-Agent") != "hordetrack:test:ci" {
			t.Errorf("unexpected Client-Agent header: %q", r.Header.Get("Client-Agent"))
		}

		var payload generateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.Prompt != "a red fox ### blurry" {
			t.Errorf("unexpected prompt: %q", payload.Prompt)
		}
		if payload.Params.Width != 512 || payload.Params.Height != 512 {
			t.Errorf("expected default 512x512, got %dx%d", payload.Params.Width, payload.Params.Height)
		}
		if payload.Params.Steps != 30 {
			t.Errorf("expected default steps 30, got %d", payload.Params.Steps)
		}
		if payload.Params.N != 1 {
			t.Errorf("expected default n 1, got %d", payload.Params.N)
		}
		if len(payload.Models) != 1 || payload.Models[0] != "stable_diffusion" {
			t.Errorf("unexpected models: %v", payload.Models)
		}
		if !payload.TrustedWorkers || !payload.R2 || !payload.Shared {
			t.Errorf("unexpected flags: %+v", payload)
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"id": "job-1", "kudos": 12.5})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	res, err := c.Submit(context.Background(), models.GenerationRequest{
		Prompt:         "a red fox",
		NegativePrompt: "blurry",
		Model:          "stable_diffusion",
		TrustedWorkers: true,
		Shared:         true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.JobID != "job-1" {
		t.Errorf("expected job-1, got %s", res.JobID)
	}
	if res.Kudos != 12.5 {
		t.Errorf("expected kudos 12.5, got %v", res.Kudos)
	}
}

func TestSubmit_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"401 invalid key", http.StatusUnauthorized, `{"message":"Invalid API Key"}`, ErrInvalidAPIKey},
		{"429 rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited},
		{"503 maintenance", http.StatusServiceUnavailable, `{"message":"maintenance"}`, ErrMaintenanceMode},
		{"400 bad request", http.StatusBadRequest, `{"message":"Input payload validation failed"}`, ErrBadRequest},
		{"403 forbidden", http.StatusForbidden, `{"message":"not allowed"}`, ErrForbidden},
		{"500 unknown", http.StatusInternalServerError, `oops`, ErrUnknown},
		{"rate limit message", http.StatusConflict, `{"message":"only 2 requests per minute"}`, ErrRateLimited},
		{"unethical on 400", http.StatusBadRequest, `{"message":"This prompt appears to violate our terms of service and will be reported. Please contact us if you think this is an error. (unethical images)"}`, ErrQuestionablePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer ts.Close()

			c := newTestClient(t, ts.URL)
			_, err := c.Submit(context.Background(), models.GenerationRequest{Prompt: "x"})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
		})
	}
}

func TestSubmit_UnethicalOnAcceptedStatus(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      "job-2",
			"message": "Your prompt was flagged: unethical images are not permitted",
		})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.Submit(context.Background(), models.GenerationRequest{Prompt: "x"})
	if !errors.Is(err, ErrQuestionablePrompt) {
		t.Errorf("expected ErrQuestionablePrompt, got: %v", err)
	}
}

func TestSubmit_MissingJobID(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{"kudos": 3})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.Submit(context.Background(), models.GenerationRequest{Prompt: "x"})
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got: %v", err)
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "", "", 2*time.Second)
	_, err := c.Submit(context.Background(), models.GenerationRequest{Prompt: "x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got: %v", err)
	}
	if !IsTransient(err) {
		t.Error("expected transport failure to be transient")
	}
}

// --- CheckStatus tests ---

func TestCheckStatus_InProgress(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate/status/job-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"done": false, "faulted": false, "processing": 1, "waiting": 0,
			"finished": 0, "queue_position": 3, "wait_time": 12, "is_possible": true,
		})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	st, err := c.CheckStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Done {
		t.Error("expected done=false")
	}
	if st.Processing != 1 {
		t.Errorf("expected processing 1, got %d", st.Processing)
	}
	if st.WaitTime != 12 {
		t.Errorf("expected wait_time 12, got %d", st.WaitTime)
	}
	if st.QueuePosition != 3 {
		t.Errorf("expected queue_position 3, got %d", st.QueuePosition)
	}
	if len(st.Generations) != 0 {
		t.Errorf("expected no generations, got %d", len(st.Generations))
	}
}

func TestCheckStatus_DoneWithGenerations(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"done":true,"finished":2,"generations":[
			{"id":"g1","seed":"42","img":"aGVsbG8=","worker_name":"w1","model":"sd"},
			{"id":"g2","seed":1234567890123,"img":"https://r2.example.com/g2.webp"}
		]}`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	st, err := c.CheckStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Done {
		t.Error("expected done=true")
	}
	if len(st.Generations) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(st.Generations))
	}
	if st.Generations[0].Kind != models.ImageInline || string(st.Generations[0].Data) != "hello" {
		t.Errorf("unexpected first generation: %+v", st.Generations[0])
	}
	if st.Generations[0].Seed != "42" {
		t.Errorf("expected seed 42, got %s", st.Generations[0].Seed)
	}
	if st.Generations[1].Kind != models.ImageURL {
		t.Errorf("expected url generation, got %s", st.Generations[1].Kind)
	}
	if st.Generations[1].Seed != "1234567890123" {
		t.Errorf("expected numeric seed preserved, got %s", st.Generations[1].Seed)
	}
}

func TestCheckStatus_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		transient bool
	}{
		{"404 not found", http.StatusNotFound, ErrNotFound, false},
		{"429 rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"400 api error", http.StatusBadRequest, ErrAPI, false},
		{"500 api error", http.StatusInternalServerError, ErrAPI, false},
		{"502 api error", http.StatusBadGateway, ErrAPI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"message": "nope"})
			})
			defer ts.Close()

			c := newTestClient(t, ts.URL)
			_, err := c.CheckStatus(context.Background(), "job-1")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("expected transient=%v for %v", tt.transient, err)
			}
		})
	}
}

func TestCheckStatus_InvalidJSON(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.CheckStatus(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestCheckStatus_Timeout(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"done": true})
	})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "", "", 50*time.Millisecond)
	_, err := c.CheckStatus(context.Background(), "job-1")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got: %v", err)
	}
}

// --- Cancel tests ---

func TestCancel_ReturnsPartialGenerations(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/generate/status/job-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"done":        false,
			"generations": []map[string]any{{"id": "g1", "seed": "7", "img": "https://r2.example.com/g1.webp"}},
		})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	res, err := c.Cancel(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Supported {
		t.Error("expected Supported=true")
	}
	if len(res.Generations) != 1 || res.Generations[0].URL != "https://r2.example.com/g1.webp" {
		t.Errorf("unexpected generations: %+v", res.Generations)
	}
}

func TestCancel_NonOKIsNotAnError(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"message": "not supported"})
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	res, err := c.Cancel(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Supported {
		t.Error("expected Supported=false")
	}
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", res.StatusCode)
	}
	if res.Message != "not supported" {
		t.Errorf("unexpected message: %q", res.Message)
	}
}

// --- Heartbeat tests ---

func TestHeartbeat(t *testing.T) {
	ts := hordeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/heartbeat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"message":"OK"}`)
	})
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUserMessage(t *testing.T) {
	if UserMessage(nil) != "" {
		t.Error("expected empty message for nil error")
	}
	err := &APIError{Kind: ErrBadRequest, StatusCode: 400, Message: "steps too high"}
	if got := UserMessage(err); got != "The Horde rejected the request: steps too high" {
		t.Errorf("unexpected message: %q", got)
	}
	if UserMessage(&APIError{Kind: ErrQuestionablePrompt}) == UserMessage(&APIError{Kind: ErrUnknown}) {
		t.Error("expected distinct messages per kind")
	}
}
