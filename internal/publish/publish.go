// Package publish turns a reconstructed change set into a pushed branch.
// The repository is cloned fresh into a temp directory, the changes are
// applied and committed under a bot identity, and the branch is pushed to
// origin. The clone is always cleaned up.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
	"github.com/axelgadomski420/hugex-sub000/internal/gitutil"
	"github.com/axelgadomski420/hugex-sub000/internal/patch"
)

// markerFile is committed when a job produced no file changes, so the
// pushed branch always carries at least one commit.
const markerFile = ".hugex-empty"

// Publisher pushes job results as branches.
type Publisher struct {
	BotName  string
	BotEmail string
	// Timeout bounds each git operation individually.
	Timeout time.Duration
	// BranchPrefix namespaces pushed branches; defaults to "hugex".
	BranchPrefix string
}

// Request describes one publish.
type Request struct {
	JobID       string
	RepoURL     string
	BaseBranch  string // empty means the remote default
	Title       string
	Description string
	Files       []diff.FileDiff
}

// Result reports what was pushed.
type Result struct {
	Branch string
	Commit string
}

// Publish clones, applies, commits and pushes. On success the returned
// Result names the branch on origin and the commit hash at its tip.
func (p *Publisher) Publish(ctx context.Context, req *Request) (*Result, error) {
	dir, err := os.MkdirTemp("", "hugex-publish-*")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("workdir cleanup failed", "dir", dir, "err", err)
		}
	}()

	if err := p.run(ctx, func(ctx context.Context) error {
		return gitutil.Clone(ctx, req.RepoURL, req.BaseBranch, dir)
	}); err != nil {
		return nil, err
	}

	branch := p.branchName(req.JobID)
	if err := p.run(ctx, func(ctx context.Context) error {
		return gitutil.CreateBranch(ctx, dir, branch)
	}); err != nil {
		return nil, err
	}

	if err := patch.Apply(dir, req.Files); err != nil {
		return nil, fmt.Errorf("apply changes: %w", err)
	}

	hasChanges, err := p.hasChanges(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !hasChanges {
		slog.Info("no file changes, committing marker", "job", req.JobID)
		note := fmt.Sprintf("Job %s completed without file changes.\n", req.JobID)
		if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(note), 0o600); err != nil {
			return nil, fmt.Errorf("write marker: %w", err)
		}
	}

	var commit string
	err = p.run(ctx, func(ctx context.Context) error {
		if err := gitutil.ConfigureIdentity(ctx, dir, p.BotName, p.BotEmail); err != nil {
			return err
		}
		if err := gitutil.AddAll(ctx, dir); err != nil {
			return err
		}
		if err := gitutil.Commit(ctx, dir, commitMessage(req)); err != nil {
			return err
		}
		head, err := gitutil.HeadCommit(ctx, dir)
		if err != nil {
			return err
		}
		commit = head
		return gitutil.Push(ctx, dir, branch)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("branch pushed", "job", req.JobID, "branch", branch, "commit", commit)
	return &Result{Branch: branch, Commit: commit}, nil
}

// run executes one phase under the per-operation timeout, detached from the
// parent's deadline but not from its values.
func (p *Publisher) run(ctx context.Context, fn func(context.Context) error) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(ctx)
}

func (p *Publisher) hasChanges(ctx context.Context, dir string) (bool, error) {
	var changed bool
	err := p.run(ctx, func(ctx context.Context) error {
		var err error
		changed, err = gitutil.HasChanges(ctx, dir)
		return err
	})
	return changed, err
}

func (p *Publisher) branchName(jobID string) string {
	prefix := p.BranchPrefix
	if prefix == "" {
		prefix = "hugex"
	}
	suffix := uuid.NewString()[:8]
	if jobID == "" {
		return prefix + "/" + suffix
	}
	return prefix + "/" + jobID + "-" + suffix
}

func commitMessage(req *Request) string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Automated changes for job " + req.JobID
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return title
	}
	return title + "\n\n" + desc
}
