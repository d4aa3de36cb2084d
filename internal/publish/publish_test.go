package publish

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
)

// setupRemote creates a bare repository with one commit on main and returns
// its path, usable as a clone URL.
func setupRemote(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	for _, c := range []struct {
		dir  string
		args []string
	}{
		{root, []string{"init", "--bare", "--initial-branch=main", bare}},
		{root, []string{"clone", bare, seed}},
		{seed, []string{"config", "user.name", "seed"}},
		{seed, []string{"config", "user.email", "seed@example.com"}},
		{seed, []string{"commit", "--allow-empty", "-m", "initial"}},
		{seed, []string{"push", "origin", "main"}},
	} {
		cmd := exec.CommandContext(t.Context(), "git", c.args...)
		cmd.Dir = c.dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v: %s", strings.Join(c.args, " "), err, out)
		}
	}
	return bare
}

func newTestPublisher() *Publisher {
	return &Publisher{
		BotName:  "test-bot",
		BotEmail: "test-bot@example.com",
		Timeout:  time.Minute,
	}
}

func TestPublishWithChanges(t *testing.T) {
	remote := setupRemote(t)
	p := newTestPublisher()

	res, err := p.Publish(t.Context(), &Request{
		JobID:      "job1",
		RepoURL:    remote,
		BaseBranch: "main",
		Title:      "Add greeting",
		Files: []diff.FileDiff{{
			Filename: "greeting.txt",
			Status:   diff.StatusAdded,
			Patch:    "@@ -0,0 +1 @@\n+hello\n",
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commit) != 40 {
		t.Errorf("Commit = %q, want a full hash", res.Commit)
	}
	if !strings.HasPrefix(res.Branch, "hugex/job1-") {
		t.Errorf("Branch = %q", res.Branch)
	}

	// The branch must exist on the remote with the pushed commit at its tip.
	cmd := exec.CommandContext(t.Context(), "git", "rev-parse", res.Branch)
	cmd.Dir = remote
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("rev-parse on remote: %v: %s", err, out)
	}
	if got := strings.TrimSpace(string(out)); got != res.Commit {
		t.Errorf("remote tip = %q, want %q", got, res.Commit)
	}

	// The pushed tree contains the new file.
	cmd = exec.CommandContext(t.Context(), "git", "show", res.Commit+":greeting.txt")
	cmd.Dir = remote
	out, err = cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("show: %v: %s", err, out)
	}
	if string(out) != "hello\n" {
		t.Errorf("file content = %q", out)
	}
}

func TestPublishEmptyChangeSet(t *testing.T) {
	remote := setupRemote(t)
	p := newTestPublisher()

	res, err := p.Publish(t.Context(), &Request{
		JobID:   "job2",
		RepoURL: remote,
		Title:   "No-op job",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commit) != 40 {
		t.Errorf("Commit = %q, want a full hash", res.Commit)
	}

	// The marker file carries the commit.
	cmd := exec.CommandContext(t.Context(), "git", "show", res.Commit+":"+markerFile)
	cmd.Dir = remote
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("show marker: %v: %s", err, out)
	}
	if !strings.Contains(string(out), "job2") {
		t.Errorf("marker content = %q", out)
	}
}

func TestPublishCleansWorkdir(t *testing.T) {
	remote := setupRemote(t)
	p := newTestPublisher()

	before := tempEntries(t)
	if _, err := p.Publish(t.Context(), &Request{JobID: "job3", RepoURL: remote}); err != nil {
		t.Fatal(err)
	}
	after := tempEntries(t)
	if after > before {
		t.Errorf("temp dirs leaked: %d before, %d after", before, after)
	}
}

func TestPublishBadRemote(t *testing.T) {
	p := newTestPublisher()
	p.Timeout = 10 * time.Second
	_, err := p.Publish(t.Context(), &Request{
		JobID:   "job4",
		RepoURL: filepath.Join(t.TempDir(), "missing.git"),
	})
	if err == nil {
		t.Fatal("expected clone failure")
	}
}

func TestCommitMessage(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"title only", Request{Title: "Fix it"}, "Fix it"},
		{"title and body", Request{Title: "Fix it", Description: "details"}, "Fix it\n\ndetails"},
		{"fallback", Request{JobID: "j9"}, "Automated changes for job j9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commitMessage(&tt.req); got != tt.want {
				t.Errorf("commitMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func tempEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hugex-publish-") {
			n++
		}
	}
	return n
}
