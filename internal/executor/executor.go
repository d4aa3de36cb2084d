// Package executor defines the execution backend abstraction: the substrate
// that actually runs the coding agent against a repository, either a remote
// compute-job API or a local Docker container.
package executor

import (
	"context"
)

// Request is the ephemeral value handed to a backend for one execution.
// All settings are explicit and caller-owned; backends read no process-wide
// mutable state.
type Request struct {
	JobID      string
	Prompt     string            // Task description, already augmented by the caller.
	RepoURL    string
	RepoBranch string
	Env        map[string]string // Per-job environment overrides.
	Secrets    map[string]string // Per-job secret overrides. Values never logged.

	// LogSink, when set, receives decoded output chunks as they arrive so
	// callers can tail a running job. Streaming backends call it from their
	// read goroutine; batch backends ignore it and deliver output only in
	// the Result.
	LogSink func(chunk string)
}

// Output is the combined console output of an execution. Degraded marks the
// best-effort path where log retrieval partially failed but the text may
// still carry an embedded diff.
type Output struct {
	Text     string
	Degraded bool
	Warning  string
}

// Result is the ephemeral value a backend returns. ResolvedSecrets carries
// the secret key set actually used; callers must mask the values before any
// persistence.
type Result struct {
	Output          Output
	ResolvedEnv     map[string]string
	ResolvedSecrets map[string]string
	RemoteJobID     string // Empty for local executions.
}

// Backend runs one coding-agent job to completion and returns its combined
// console output.
type Backend interface {
	// Name identifies the backend kind ("remote" or "local").
	Name() string
	// Execute blocks until the job reaches a terminal state or the
	// backend's own timeout fires. Transient substrate errors are retried
	// or degraded internally; only the taxonomy errors in errors.go are
	// returned.
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// MergeEnv merges base job fields, global defaults, and per-job overrides.
// Later maps win; per-job values take precedence over defaults.
func MergeEnv(base, defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(defaults)+len(overrides))
	for _, m := range []map[string]string{base, defaults, overrides} {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// MaskSecrets returns a copy of secrets with every value replaced so the key
// set survives for audit without exposing plaintext.
func MaskSecrets(secrets map[string]string) map[string]string {
	if secrets == nil {
		return nil
	}
	masked := make(map[string]string, len(secrets))
	for k := range secrets {
		masked[k] = "***"
	}
	return masked
}
