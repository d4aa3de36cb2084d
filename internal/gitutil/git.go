// Package gitutil provides the git subprocess plumbing used by the publish
// workflow: shallow clone, branch creation, staging, commit, and push.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// git runs a git command in dir with interactive prompts disabled and stderr
// captured for error reporting.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are constructed by the callers below, not raw user input.
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GCM_INTERACTIVE=never")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Clone shallow-clones repoURL at branch into dir.
func Clone(ctx context.Context, repoURL, branch, dir string) error {
	args := []string{"clone", "--depth=1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, dir)
	_, err := git(ctx, "", args...)
	return err
}

// CreateBranch creates a new branch in dir and checks it out.
func CreateBranch(ctx context.Context, dir, name string) error {
	_, err := git(ctx, dir, "checkout", "-b", name)
	return err
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ConfigureIdentity sets the local commit identity for dir.
func ConfigureIdentity(ctx context.Context, dir, name, email string) error {
	if _, err := git(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	_, err := git(ctx, dir, "config", "user.email", email)
	return err
}

// AddAll stages every change in dir.
func AddAll(ctx context.Context, dir string) error {
	_, err := git(ctx, dir, "add", ".")
	return err
}

// HasChanges reports whether the working tree has uncommitted changes,
// detected via porcelain status.
func HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit records staged changes with the given message.
func Commit(ctx context.Context, dir, message string) error {
	_, err := git(ctx, dir, "commit", "-m", message)
	return err
}

// HeadCommit returns the full hash of HEAD.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push pushes branch to origin.
func Push(ctx context.Context, dir, branch string) error {
	_, err := git(ctx, dir, "push", "origin", branch)
	return err
}
