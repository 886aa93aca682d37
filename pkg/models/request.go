package models

// GenerationParams are the sampler settings forwarded to the Horde. Zero values are
// replaced by defaults when the request is submitted.
type GenerationParams struct {
	SamplerName    string   `json:"sampler_name,omitempty"`
	CfgScale       float64  `json:"cfg_scale,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Steps          int      `json:"steps,omitempty"`
	Seed           string   `json:"seed,omitempty"`
	N              int      `json:"n,omitempty"`
	PostProcessing []string `json:"post_processing,omitempty"`
	Karras         bool     `json:"karras,omitempty"`
	HiresFix       bool     `json:"hires_fix,omitempty"`
	ClipSkip       int      `json:"clip_skip,omitempty"`
	Tiling         bool     `json:"tiling,omitempty"`
}

// GenerationRequest is the provider-neutral description of a job to submit.
type GenerationRequest struct {
	UserID         *string          `json:"userId,omitempty"`
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negativePrompt,omitempty"`
	Model          string           `json:"model,omitempty"`
	Params         GenerationParams `json:"params"`
	NSFW           bool             `json:"nsfw,omitempty"`
	CensorNSFW     bool             `json:"censorNsfw,omitempty"`
	TrustedWorkers bool             `json:"trustedWorkers,omitempty"`
	SlowWorkers    *bool            `json:"slowWorkers,omitempty"`
	R2             *bool            `json:"r2,omitempty"`
	Shared         bool             `json:"shared,omitempty"`
}

const (
	DefaultWidth   = 512
	DefaultHeight  = 512
	DefaultSteps   = 30
	DefaultN       = 1
	DefaultSampler = "k_euler_a"
	DefaultCfg     = 7.5
)

// WithDefaults returns a copy of p with unset dimensions, steps, count, sampler and
// cfg scale filled in.
func (p GenerationParams) WithDefaults() GenerationParams {
	if p.Width <= 0 {
		p.Width = DefaultWidth
	}
	if p.Height <= 0 {
		p.Height = DefaultHeight
	}
	if p.Steps <= 0 {
		p.Steps = DefaultSteps
	}
	if p.N <= 0 {
		p.N = DefaultN
	}
	if p.SamplerName == "" {
		p.SamplerName = DefaultSampler
	}
	if p.CfgScale <= 0 {
		p.CfgScale = DefaultCfg
	}
	return p
}
