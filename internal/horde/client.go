// Package horde is the client for the AI Horde asynchronous image generation API.
package horde

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// maxBodyBytes caps response reads. Inline generations make status bodies large.
const maxBodyBytes = 64 << 20

// Client is the interface for the three Horde job operations.
type Client interface {
	Submit(ctx context.Context, req models.GenerationRequest) (*SubmitResult, error)
	CheckStatus(ctx context.Context, jobID string) (*RemoteStatus, error)
	Cancel(ctx context.Context, jobID string) (*CancelResult, error)
	Heartbeat(ctx context.Context) error
}

// SubmitResult is the Horde's acceptance of a job.
type SubmitResult struct {
	JobID    string
	Kudos    float64
	Message  string
	Warnings []string
}

// RemoteStatus is one poll of a job's progress on the Horde.
type RemoteStatus struct {
	Done          bool
	Faulted       bool
	Waiting       int
	Processing    int
	Finished      int
	Restarted     int
	QueuePosition int
	WaitTime      int
	Kudos         float64
	IsPossible    bool
	Generations   []models.Generation
}

// CancelResult reports what the Horde said about a cancellation. Supported is false when
// the Horde answered with a non-OK status; the job is still cancelled locally.
type CancelResult struct {
	Supported   bool
	StatusCode  int
	Message     string
	Generations []models.Generation
}

// HTTPClient implements Client using the Horde REST API.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	clientAgent string
	client      *http.Client
}

// NewHTTPClient creates a new Horde HTTP client.
func NewHTTPClient(baseURL, apiKey, clientAgent string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		clientAgent: clientAgent,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, req models.GenerationRequest) (*SubmitResult, error) {
	body, err := json.Marshal(buildGenerateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encoding submit payload: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/generate/async", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusAccepted {
		return nil, submitError(status, errorMessage(respBody))
	}

	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	if strings.Contains(strings.ToLower(gen.Message), "unethical images") {
		return nil, submitError(status, gen.Message)
	}
	if gen.ID == "" {
		return nil, &APIError{Kind: ErrUnknown, StatusCode: status, Message: "response carried no job id"}
	}

	result := &SubmitResult{JobID: gen.ID, Kudos: gen.Kudos, Message: gen.Message}
	for _, w := range gen.Warnings {
		result.Warnings = append(result.Warnings, w.Message)
	}
	return result, nil
}

func (c *HTTPClient) CheckStatus(ctx context.Context, jobID string) (*RemoteStatus, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/generate/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, errorMessage(respBody))
	}

	sr, err := decodeStatus(respBody)
	if err != nil {
		return nil, err
	}
	return toRemoteStatus(sr), nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	status, respBody, err := c.do(ctx, http.MethodDelete, "/generate/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return &CancelResult{Supported: false, StatusCode: status, Message: errorMessage(respBody)}, nil
	}

	result := &CancelResult{Supported: true, StatusCode: status}
	sr, err := decodeStatus(respBody)
	if err != nil {
		// The cancel went through; an unreadable body only loses the partial images.
		result.Message = err.Error()
		return result, nil
	}
	result.Generations = NormalizeGenerations(sr.Generations)
	return result, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodGet, "/status/heartbeat", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: heartbeat status %d", ErrUnreachable, status)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, nil, classifyError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, classifyError(err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.clientAgent != "" {
		req.Header.Set("Client-Agent", c.clientAgent)
	}
}

func decodeStatus(body []byte) (*statusResponse, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var sr statusResponse
	if err := dec.Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &sr, nil
}

func toRemoteStatus(sr *statusResponse) *RemoteStatus {
	rs := &RemoteStatus{
		Done:          sr.Done,
		Faulted:       sr.Faulted,
		Waiting:       sr.Waiting,
		Processing:    sr.Processing,
		Finished:      sr.Finished,
		Restarted:     sr.Restarted,
		QueuePosition: sr.QueuePosition,
		WaitTime:      sr.WaitTime,
		Kudos:         sr.Kudos,
		IsPossible:    sr.IsPossible == nil || *sr.IsPossible,
		Generations:   NormalizeGenerations(sr.Generations),
	}
	return rs
}

// errorMessage extracts the Horde's message field, falling back to the raw body text.
func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return er.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
