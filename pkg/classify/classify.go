// Package classify defines the remote classifier capability that
// remote-backed guardrails wrap: one call classifying a piece of text for a
// task, returning labeled scores. The error taxonomy lets callers tell a
// transient outage (degrade) from a broken configuration (fail the build).
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Task selects the classification the backend should perform.
type Task string

const (
	TaskModeration Task = "moderation"
	TaskInjection  Task = "injection"
	TaskPII        Task = "pii"
	TaskToxicity   Task = "toxicity"
	TaskCodeGen    Task = "code_gen"
)

// Options tunes a single Classify call.
type Options struct {
	// Context carries rendered conversation history for tasks that use it.
	Context string
	// Timeout overrides the classifier's default per-call timeout.
	Timeout time.Duration
	// Model overrides the configured model for this call.
	Model string
}

// Result is a classification verdict. Risk is scaled 0..100.
type Result struct {
	Flagged bool               `json:"flagged"`
	Risk    float64            `json:"risk"`
	Labels  map[string]float64 `json:"labels,omitempty"`
	Raw     json.RawMessage    `json:"raw,omitempty"`
}

// Classifier is the remote classification capability.
type Classifier interface {
	Classify(ctx context.Context, text string, task Task, opts Options) (*Result, error)
}

var (
	// ErrNoAPIKey means the classifier has no credential configured.
	ErrNoAPIKey = errors.New("classifier: no API key configured")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("classifier: request timed out")
	// ErrUnavailable means the backend could not serve the call right now.
	ErrUnavailable = errors.New("classifier: backend unavailable")
	// ErrInvalidResponse means the backend answered with an unusable body.
	ErrInvalidResponse = errors.New("classifier: invalid response")
)

// IsUnavailable reports whether err should trigger guardrail degradation
// rather than surfacing as a hard failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNoAPIKey)
}
