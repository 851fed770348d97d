// Package queue implements the Job Queue (C4): a durable,
// priority-aware Redis-backed queue with exponential-backoff retries,
// at-least-once delivery, stalled-job detection, and a dead-letter
// sink.
package queue

import (
	"time"
)

// State is a job's position in the C4 state machine.
type State string

const (
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateDelayed    State = "delayed"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff configures nack-with-retry delay computation.
type Backoff struct {
	Kind   BackoffKind
	BaseMS int64
	Factor float64
	CapMS  int64
}

// DefaultBackoff matches spec.md §4.C4's recognized default.
func DefaultBackoff() Backoff {
	return Backoff{Kind: BackoffExponential, BaseMS: 1000, Factor: 2.0, CapMS: 5 * 60 * 1000}
}

// Delay returns the backoff delay before attempt number attempts (1-indexed).
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Kind == BackoffFixed {
		return time.Duration(b.BaseMS) * time.Millisecond
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	ms := float64(b.BaseMS)
	for i := 1; i < attempts; i++ {
		ms *= factor
	}
	if b.CapMS > 0 && int64(ms) > b.CapMS {
		ms = float64(b.CapMS)
	}
	return time.Duration(ms) * time.Millisecond
}

// EnqueueOptions are the recognized per-job options from spec.md §4.C4.
type EnqueueOptions struct {
	Priority         int // 1 (highest) .. 10 (lowest); default 5
	DelayMS          int64
	MaxAttempts      int // default 3
	Backoff          Backoff
	LeaseMS          int64
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// DefaultEnqueueOptions fills every option spec.md documents a default for.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		Priority:    5,
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
		LeaseMS:     60_000,
	}
}

// Job is the queue entity, spec.md §3.
type Job struct {
	JobID        string   `json:"job_id"`
	PhotoID      string   `json:"photo_id"`
	BlobKey      string   `json:"blob_key"`
	Bucket       string   `json:"bucket"`
	PipelineName string   `json:"pipeline_name"`
	Stages       []string `json:"stages"`

	Priority    int   `json:"priority"`
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`
	EnqueuedAt  int64 `json:"enqueued_at"` // unix ms
	AvailableAt int64 `json:"available_at"`

	TraceID string `json:"trace_id"`

	State         State  `json:"state"`
	LeaseDeadline int64  `json:"lease_deadline,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete bool    `json:"remove_on_complete"`
	RemoveOnFail     bool    `json:"remove_on_fail"`
}

// score orders the waiting set: priority first (ascending, 1=highest),
// then FIFO by enqueued_at.
func (j *Job) score() float64 {
	return float64(j.Priority)*1e15 + float64(j.EnqueuedAt)
}
