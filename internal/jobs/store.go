// Package jobs is the durable background work queue: enqueue with idempotency
// keys, atomic batch claiming, retry with exponential backoff, and a dead
// state once attempts are exhausted.
package jobs

import (
	"context"
	"time"

	"github.com/ignite/appforge/internal/manifest"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Job types dispatched by the worker.
const (
	TypeEmailSend          = "email.send"
	TypeDocGenerate        = "doc.generate"
	TypeAutomationRun      = "automation.run"
	TypeAttachmentsCleanup = "attachments.cleanup"
)

// DefaultMaxAttempts applies when a job is enqueued without an explicit cap.
const DefaultMaxAttempts = 10

// Job is one unit of background work.
type Job struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	Type        string       `json:"type"`
	Key         string       `json:"key,omitempty"`
	Payload     manifest.Map `json:"payload,omitempty"`
	Status      string       `json:"status"`
	Priority    int          `json:"priority"`
	RunAt       time.Time    `json:"run_at"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"max_attempts"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Event is one line of a job's execution history.
type Event struct {
	ID      string    `json:"id"`
	JobID   string    `json:"job_id"`
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Store persists jobs and their events.
type Store interface {
	// Enqueue inserts a job. When the job carries a key and a queued or
	// running job with the same (workspace, type, key) exists, the existing
	// job is returned and inserted reports false.
	Enqueue(ctx context.Context, job *Job) (stored *Job, inserted bool, err error)

	// ClaimBatch atomically flips up to limit due queued jobs to running,
	// incrementing their attempt counters. Highest priority first, oldest
	// run_at first within a priority.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, workspaceID, jobID string) (*Job, error)
	List(ctx context.Context, workspaceID, status string, limit int) ([]*Job, error)
	AddEvent(ctx context.Context, jobID, kind, message string) error
	ListEvents(ctx context.Context, jobID string) ([]*Event, error)
}

// Backoff returns the retry delay after the given failed attempt:
// 60s doubling per attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := int64(60) << uint(attempt-1)
	if secs > 3600 || secs <= 0 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}
