// Package analysis wraps the streaming model call: one Run is one
// persisted model call-and-response whose stream events are fanned out to
// the submission's event topic as they arrive.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Model tiers. The expensive tier writes prose; the cheap tier collapses
// prose into strict JSON.
const (
	TierAnalysis = "analysis"
	TierClassify = "classify"
	TierDraft    = "draft"
)

// ErrRefusal reports that the model declined to produce the requested
// output (guardrail or content filter stop).
var ErrRefusal = errors.New("analysis: model refused")

// ErrStreamTruncated reports that the response stream ended without its
// terminal sentinel; the accumulated text cannot be trusted as complete.
var ErrStreamTruncated = errors.New("analysis: stream ended without terminal event")

// Content is one user-content element.
type Content struct {
	Text     string `json:"text,omitempty"`
	ImagePNG []byte `json:"-"`
}

// RunParams describes one model call.
type RunParams struct {
	SubmissionID int64
	Tier         string
	System       string
	User         []Content

	// Schema, when set, is a JSON schema the response text must satisfy.
	// The engine validates that the accumulated text parses as JSON and
	// exposes it as Result.Parsed.
	Schema json.RawMessage
}

// Result is the finalized output of a completed run.
type Result struct {
	RunID int64
	Text  string

	// Parsed is set when RunParams.Schema was given.
	Parsed json.RawMessage
}

// Engine runs model calls for the pipeline.
type Engine interface {
	Run(ctx context.Context, p RunParams) (*Result, error)
}

// Verdict is the strict classification output.
type Verdict struct {
	Phishing bool `json:"phishing"`
}

// Draft is the strict report-draft output.
type Draft struct {
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`

	// InfringedBrand is only requested by channels that file brand-abuse
	// forms.
	InfringedBrand string `json:"infringed_brand,omitempty"`
}

// ExtractJSON locates the JSON document inside model output that may be
// wrapped in code fences or prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		start := strings.IndexAny(trimmed, "{[")
		if start < 0 {
			return nil, fmt.Errorf("no JSON found in model output")
		}
		end := strings.LastIndexAny(trimmed, "}]")
		if end <= start {
			return nil, fmt.Errorf("no JSON found in model output")
		}
		trimmed = trimmed[start : end+1]
	}

	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("model output is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

// ParseStructured decodes a run's parsed JSON into v, rejecting unknown
// fields so schema drift surfaces as an error instead of zero values.
func ParseStructured(parsed json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(parsed)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}
