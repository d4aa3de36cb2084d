// Package job holds the job model and its persistence. A job is one
// dispatched coding task: its prompt, where it ran, its lifecycle status,
// and the reconstructed change set once it finishes.
package job

import (
	"context"
	"time"

	"github.com/maruel/ksid"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
)

// Status is the job lifecycle state.
type Status string

// Lifecycle states. Transitions only move forward: pending to running, then
// exactly one of completed or failed.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one execution of a coding task.
type Job struct {
	ID          ksid.ID           `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	RepoURL     string            `json:"repoUrl"`
	RepoBranch  string            `json:"repoBranch,omitzero"`
	Env         map[string]string `json:"env,omitzero"`

	// SecretKeys records which secrets the job received. Values are handed
	// to the backend at execution time and never written anywhere.
	SecretKeys []string `json:"secretKeys,omitzero"`

	RemoteJobID string       `json:"remoteJobId,omitzero"`
	Summary     diff.Summary `json:"summary"`
	Error       string       `json:"error,omitzero"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// New returns a pending job with a fresh time-sortable id.
func New(title, description, repoURL string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          ksid.NewID(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		RepoURL:     repoURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Store is the job registry.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first.
	List(ctx context.Context) ([]*Job, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetRemoteJobID(ctx context.Context, id, remoteID string) error
	SetSummary(ctx context.Context, id string, s diff.Summary) error
	SetError(ctx context.Context, id, msg string) error
	// SaveDiff persists the reconstructed change set for a job.
	SaveDiff(ctx context.Context, id string, d *diff.Diff) error
	GetDiff(ctx context.Context, id string) (*diff.Diff, error)
	Close() error
}
