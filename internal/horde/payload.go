package horde

import (
	"strings"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

// negativeSeparator splits positive and negative prompts in the Horde prompt field.
const negativeSeparator = " ### "

type generateRequest struct {
	Prompt         string         `json:"prompt"`
	Params         generateParams `json:"params"`
	NSFW           bool           `json:"nsfw"`
	CensorNSFW     bool           `json:"censor_nsfw"`
	TrustedWorkers bool           `json:"trusted_workers"`
	SlowWorkers    bool           `json:"slow_workers"`
	Models         []string       `json:"models,omitempty"`
	R2             bool           `json:"r2"`
	Shared         bool           `json:"shared"`
}

type generateParams struct {
	SamplerName    string   `json:"sampler_name"`
	CfgScale       float64  `json:"cfg_scale"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"steps"`
	Seed           string   `json:"seed,omitempty"`
	N              int      `json:"n"`
	PostProcessing []string `json:"post_processing"`
	Karras         bool     `json:"karras"`
	HiresFix       bool     `json:"hires_fix"`
	ClipSkip       int      `json:"clip_skip,omitempty"`
	Tiling         bool     `json:"tiling"`
}

// buildGenerateRequest converts a provider-neutral request into the Horde payload.
func buildGenerateRequest(req models.GenerationRequest) generateRequest {
	p := req.Params.WithDefaults()

	prompt := strings.TrimSpace(req.Prompt)
	if neg := strings.TrimSpace(req.NegativePrompt); neg != "" {
		prompt += negativeSeparator + neg
	}

	post := p.PostProcessing
	if post == nil {
		post = []string{}
	}

	out := generateRequest{
		Prompt: prompt,
		Params: generateParams{
			SamplerName:    p.SamplerName,
			CfgScale:       p.CfgScale,
			Width:          p.Width,
			Height:         p.Height,
			Steps:          p.Steps,
			Seed:           p.Seed,
			N:              p.N,
			PostProcessing: post,
			Karras:         p.Karras,
			HiresFix:       p.HiresFix,
			ClipSkip:       p.ClipSkip,
			Tiling:         p.Tiling,
		},
		NSFW:           req.NSFW,
		CensorNSFW:     req.CensorNSFW,
		TrustedWorkers: req.TrustedWorkers,
		SlowWorkers:    true,
		R2:             true,
		Shared:         req.Shared,
	}
	if req.SlowWorkers != nil {
		out.SlowWorkers = *req.SlowWorkers
	}
	if req.R2 != nil {
		out.R2 = *req.R2
	}
	if req.Model != "" {
		out.Models = []string{req.Model}
	}
	return out
}

type generateResponse struct {
	ID       string    `json:"id"`
	Kudos    float64   `json:"kudos"`
	Message  string    `json:"message"`
	Warnings []warning `json:"warnings"`
}

type warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	Finished      int              `json:"finished"`
	Processing    int              `json:"processing"`
	Restarted     int              `json:"restarted"`
	Waiting       int              `json:"waiting"`
	Done          bool             `json:"done"`
	Faulted       bool             `json:"faulted"`
	WaitTime      int              `json:"wait_time"`
	QueuePosition int              `json:"queue_position"`
	Kudos         float64          `json:"kudos"`
	IsPossible    *bool            `json:"is_possible"`
	Generations   []map[string]any `json:"generations"`
}

type errorResponse struct {
	Message string `json:"message"`
	RC      string `json:"rc"`
}
