// Package orchestrator drives a job through its lifecycle: dispatch to a
// backend, log capture, change-set reconstruction, and publishing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
	"github.com/axelgadomski420/hugex-sub000/internal/executor"
	"github.com/axelgadomski420/hugex-sub000/internal/job"
	"github.com/axelgadomski420/hugex-sub000/internal/publish"
)

// Orchestrator wires the registry, log store, execution backend and
// publisher together.
type Orchestrator struct {
	Store     job.Store
	Logs      *job.LogStore
	Backend   executor.Backend
	Publisher *publish.Publisher

	// DefaultEnv and DefaultSecrets apply to every job; per-job values
	// override them. Secret values live only in memory for the duration of
	// a run.
	DefaultEnv     map[string]string
	DefaultSecrets map[string]string
}

// CreateJob registers a new pending job. Secret values are not persisted;
// only their key names are, for audit. The returned map holds the merged
// secrets to hand to Process.
func (o *Orchestrator) CreateJob(ctx context.Context, j *job.Job, env, secrets map[string]string) (map[string]string, error) {
	merged := executor.MergeEnv(o.DefaultSecrets, secrets, nil)
	j.Env = executor.MergeEnv(o.DefaultEnv, env, nil)
	j.SecretKeys = sortedKeys(merged)
	if err := o.Store.Create(ctx, j); err != nil {
		return nil, err
	}
	slog.Info("job created", "job", j.ID, "title", j.Title, "secretKeys", j.SecretKeys)
	return merged, nil
}

// Process runs a pending job to a terminal state. The job's logs are
// persisted, the delimited diff payload is extracted and parsed, and the
// change set is stored before the job is marked completed. Backend errors
// mark the job failed with the error message recorded.
func (o *Orchestrator) Process(ctx context.Context, j *job.Job, secrets map[string]string) error {
	id := j.ID.String()
	if err := o.Store.UpdateStatus(ctx, id, job.StatusRunning); err != nil {
		return err
	}

	// Streaming backends push chunks here as they decode them, so the log
	// is tailable while the job runs.
	var streamed atomic.Bool
	req := &executor.Request{
		JobID:      id,
		Prompt:     prompt(j),
		RepoURL:    j.RepoURL,
		RepoBranch: j.RepoBranch,
		Env:        j.Env,
		Secrets:    secrets,
		LogSink: func(chunk string) {
			streamed.Store(true)
			if err := o.Logs.Append(id, chunk); err != nil {
				slog.Warn("log persistence failed", "job", id, "err", err)
			}
		},
	}
	slog.Debug("dispatching job", "job", id, "backend", o.Backend.Name(),
		"env", req.Env, "secrets", executor.MaskSecrets(req.Secrets))
	res, err := o.Backend.Execute(ctx, req)

	// Batch backends deliver output only in the result. Keep whatever
	// exists, even from a failed run.
	if res != nil && res.Output.Text != "" && !streamed.Load() {
		if lerr := o.Logs.Append(id, res.Output.Text); lerr != nil {
			slog.Warn("log persistence failed", "job", id, "err", lerr)
		}
	}
	if res != nil && res.RemoteJobID != "" {
		if rerr := o.Store.SetRemoteJobID(ctx, id, res.RemoteJobID); rerr != nil {
			slog.Warn("recording remote job id failed", "job", id, "err", rerr)
		}
	}
	if err != nil {
		return o.fail(ctx, id, err)
	}

	d := o.reconstruct(id, res.Output)
	if err := o.Store.SaveDiff(ctx, id, d); err != nil {
		return o.fail(ctx, id, fmt.Errorf("save diff: %w", err))
	}
	if err := o.Store.SetSummary(ctx, id, d.Summary); err != nil {
		return o.fail(ctx, id, fmt.Errorf("save summary: %w", err))
	}
	if err := o.Store.UpdateStatus(ctx, id, job.StatusCompleted); err != nil {
		return err
	}
	if err := o.Logs.Archive(id); err != nil {
		slog.Warn("log archival failed", "job", id, "err", err)
	}
	slog.Info("job completed", "job", id,
		"files", d.Summary.TotalFiles,
		"additions", d.Summary.TotalAdditions,
		"deletions", d.Summary.TotalDeletions)
	return nil
}

// reconstruct extracts the delimited payload from the job output and parses
// it. Missing or empty payloads produce an empty change set, never an
// error: a job that changed nothing still completed.
func (o *Orchestrator) reconstruct(id string, out executor.Output) *diff.Diff {
	if out.Degraded {
		slog.Warn("output degraded, no diff to reconstruct", "job", id, "warning", out.Warning)
		return diff.Parse(id, "")
	}
	payload, ok := diff.Extract(out.Text)
	if !ok {
		slog.Info("no delimited diff in output", "job", id)
		return diff.Parse(id, "")
	}
	return diff.Parse(id, payload)
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) error {
	if err := o.Store.SetError(ctx, id, cause.Error()); err != nil {
		slog.Warn("recording job error failed", "job", id, "err", err)
	}
	if err := o.Store.UpdateStatus(ctx, id, job.StatusFailed); err != nil {
		slog.Warn("marking job failed failed", "job", id, "err", err)
	}
	return fmt.Errorf("job %s: %w", id, cause)
}

// PublishBranch clones the job's repository, applies its stored change set
// and pushes the result as a new branch.
func (o *Orchestrator) PublishBranch(ctx context.Context, jobID string) (*publish.Result, error) {
	j, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, fmt.Errorf("job %s is %s, only completed jobs can be published", jobID, j.Status)
	}
	if j.RepoURL == "" {
		return nil, fmt.Errorf("job %s has no repository", jobID)
	}
	d, err := o.Store.GetDiff(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.Publisher.Publish(ctx, &publish.Request{
		JobID:       jobID,
		RepoURL:     j.RepoURL,
		BaseBranch:  j.RepoBranch,
		Title:       j.Title,
		Description: j.Description,
		Files:       d.Files,
	})
}

// prompt builds the instruction text handed to the agent.
func prompt(j *job.Job) string {
	if j.Description == "" {
		return j.Title
	}
	return j.Title + "\n\n" + j.Description
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
