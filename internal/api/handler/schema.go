package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// submitSchema describes the body of POST /api/jobs.
const submitSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["prompt"],
  "additionalProperties": false,
  "properties": {
    "userId":         {"type": ["string", "null"], "maxLength": 128},
    "prompt":         {"type": "string", "minLength": 1, "maxLength": 4000},
    "negativePrompt": {"type": "string", "maxLength": 2000},
    "model":          {"type": "string", "maxLength": 200},
    "nsfw":           {"type": "boolean"},
    "censorNsfw":     {"type": "boolean"},
    "trustedWorkers": {"type": "boolean"},
    "slowWorkers":    {"type": "boolean"},
    "r2":             {"type": "boolean"},
    "shared":         {"type": "boolean"},
    "params": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "sampler_name":    {"type": "string"},
        "cfg_scale":       {"type": "number", "minimum": 0, "maximum": 100},
        "width":           {"type": "integer", "minimum": 64, "maximum": 3072, "multipleOf": 64},
        "height":          {"type": "integer", "minimum": 64, "maximum": 3072, "multipleOf": 64},
        "steps":           {"type": "integer", "minimum": 1, "maximum": 500},
        "seed":            {"type": "string", "maxLength": 64},
        "n":               {"type": "integer", "minimum": 1, "maximum": 20},
        "post_processing": {"type": "array", "items": {"type": "string"}},
        "karras":          {"type": "boolean"},
        "hires_fix":       {"type": "boolean"},
        "clip_skip":       {"type": "integer", "minimum": 1, "maximum": 12},
        "tiling":          {"type": "boolean"}
      }
    }
  }
}`

// RequestValidator checks request bodies against compiled JSON schemas.
type RequestValidator struct {
	submit *jsonschema.Schema
}

// NewRequestValidator compiles the request schemas.
func NewRequestValidator() (*RequestValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", strings.NewReader(submitSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &RequestValidator{submit: schema}, nil
}

// MustRequestValidator is NewRequestValidator for the embedded schemas, which always compile.
func MustRequestValidator() *RequestValidator {
	v, err := NewRequestValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateSubmit returns the list of schema violations in body, or an error if body is
// not JSON at all.
func (v *RequestValidator) ValidateSubmit(body []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	err := v.submit.Validate(doc)
	if err == nil {
		return nil, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	var problems []string
	for _, e := range verr.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		problems = append(problems, loc+": "+e.Error)
	}
	if len(problems) == 0 {
		problems = []string{verr.Error()}
	}
	return problems, nil
}
