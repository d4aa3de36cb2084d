package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
	"github.com/axelgadomski420/hugex-sub000/internal/executor"
	"github.com/axelgadomski420/hugex-sub000/internal/job"
)

// stubBackend returns a scripted result or error.
type stubBackend struct {
	result *executor.Result
	err    error

	gotReq *executor.Request
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	s.gotReq = req
	return s.result, s.err
}

func newTestOrchestrator(t *testing.T, b executor.Backend) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	store, err := job.OpenStore(filepath.Join(dir, "hugex.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	logs, err := job.NewLogStore(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	return &Orchestrator{Store: store, Logs: logs, Backend: b}
}

func delimited(body string) string {
	return "agent chatter before\n" + diff.Delimiter + "\n" + body + "\n" + diff.Delimiter + "\nchatter after\n"
}

func TestProcessReconstructsDiff(t *testing.T) {
	payload := "diff --git a/x.txt b/x.txt\nnew file mode 100644\n--- /dev/null\n+++ b/x.txt\n@@ -0,0 +1 @@\n+hi\n"
	b := &stubBackend{result: &executor.Result{
		Output:      executor.Output{Text: delimited(payload)},
		RemoteJobID: "r-42",
	}}
	o := newTestOrchestrator(t, b)

	j := job.New("Add x", "create x.txt", "https://example.com/r.git")
	secrets, err := o.CreateJob(t.Context(), j, nil, map[string]string{"HF_TOKEN": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Process(t.Context(), j, secrets); err != nil {
		t.Fatal(err)
	}

	id := j.ID.String()
	got, err := o.Store.Get(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.RemoteJobID != "r-42" {
		t.Errorf("RemoteJobID = %q", got.RemoteJobID)
	}
	if got.Summary.TotalFiles != 1 || got.Summary.TotalAdditions != 1 {
		t.Errorf("Summary = %+v", got.Summary)
	}

	d, err := o.Store.GetDiff(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Files) != 1 || d.Files[0].Filename != "x.txt" || d.Files[0].Status != diff.StatusAdded {
		t.Errorf("Files = %+v", d.Files)
	}

	// Logs survived (archived after completion) and carry the raw output.
	text, err := o.Logs.Read(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "agent chatter before") {
		t.Errorf("log text = %q", text)
	}

	// The backend saw the prompt and the secret values, in memory only.
	if b.gotReq.Secrets["HF_TOKEN"] != "v" {
		t.Error("secret not handed to backend")
	}
	if !strings.Contains(b.gotReq.Prompt, "create x.txt") {
		t.Errorf("Prompt = %q", b.gotReq.Prompt)
	}
}

func TestCreateJobPersistsOnlySecretKeys(t *testing.T) {
	b := &stubBackend{result: &executor.Result{}}
	o := newTestOrchestrator(t, b)
	o.DefaultSecrets = map[string]string{"GLOBAL": "gv"}

	j := job.New("t", "", "")
	if _, err := o.CreateJob(t.Context(), j, nil, map[string]string{"LOCAL": "lv"}); err != nil {
		t.Fatal(err)
	}
	got, err := o.Store.Get(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"GLOBAL", "LOCAL"}
	if len(got.SecretKeys) != 2 || got.SecretKeys[0] != want[0] || got.SecretKeys[1] != want[1] {
		t.Errorf("SecretKeys = %v, want %v", got.SecretKeys, want)
	}
}

func TestProcessBackendFailure(t *testing.T) {
	b := &stubBackend{err: executor.ErrMissingCredential}
	o := newTestOrchestrator(t, b)

	j := job.New("t", "", "")
	secrets, err := o.CreateJob(t.Context(), j, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Process(t.Context(), j, secrets); !errors.Is(err, executor.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	got, err := o.Store.Get(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("failure message not recorded")
	}
}

func TestProcessNoDelimiterCompletesEmpty(t *testing.T) {
	b := &stubBackend{result: &executor.Result{
		Output: executor.Output{Text: "just agent logs, no structured diff"},
	}}
	o := newTestOrchestrator(t, b)

	j := job.New("t", "", "")
	secrets, err := o.CreateJob(t.Context(), j, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Process(t.Context(), j, secrets); err != nil {
		t.Fatal(err)
	}
	got, err := o.Store.Get(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	d, err := o.Store.GetDiff(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Errorf("expected empty diff, got %d files", len(d.Files))
	}
}

func TestProcessDegradedOutput(t *testing.T) {
	b := &stubBackend{result: &executor.Result{
		Output: executor.Output{Text: "placeholder", Degraded: true, Warning: "logs unavailable"},
	}}
	o := newTestOrchestrator(t, b)

	j := job.New("t", "", "")
	secrets, err := o.CreateJob(t.Context(), j, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Process(t.Context(), j, secrets); err != nil {
		t.Fatal(err)
	}
	d, err := o.Store.GetDiff(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Error("degraded output must not be parsed as a diff")
	}
}

// streamingBackend pushes its output through the request's LogSink before
// also returning it, the way the container backend does.
type streamingBackend struct {
	text string
}

func (s *streamingBackend) Name() string { return "streaming" }

func (s *streamingBackend) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	if req.LogSink != nil {
		req.LogSink(s.text)
	}
	return &executor.Result{Output: executor.Output{Text: s.text}}, nil
}

func TestProcessStreamedOutputNotDuplicated(t *testing.T) {
	b := &streamingBackend{text: "streamed line\n"}
	o := newTestOrchestrator(t, b)

	j := job.New("t", "", "")
	secrets, err := o.CreateJob(t.Context(), j, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Process(t.Context(), j, secrets); err != nil {
		t.Fatal(err)
	}
	text, err := o.Logs.Read(j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if text != "streamed line\n" {
		t.Errorf("log = %q, want the streamed text exactly once", text)
	}
}

func TestWorkerSweepProcessesPending(t *testing.T) {
	payload := "diff --git a/y.txt b/y.txt\nnew file mode 100644\n--- /dev/null\n+++ b/y.txt\n@@ -0,0 +1 @@\n+y\n"
	b := &stubBackend{result: &executor.Result{
		Output: executor.Output{Text: delimited(payload)},
	}}
	o := newTestOrchestrator(t, b)

	j := job.New("sweep me", "", "")
	if _, err := o.CreateJob(t.Context(), j, nil, nil); err != nil {
		t.Fatal(err)
	}
	w := &Worker{Orc: o}
	if err := w.Sweep(t.Context()); err != nil {
		t.Fatal(err)
	}
	got, err := o.Store.Get(t.Context(), j.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("Status = %s, want completed after sweep", got.Status)
	}
}

func TestPublishBranchRequiresCompleted(t *testing.T) {
	b := &stubBackend{}
	o := newTestOrchestrator(t, b)

	j := job.New("t", "", "https://example.com/r.git")
	if _, err := o.CreateJob(t.Context(), j, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.PublishBranch(t.Context(), j.ID.String()); err == nil {
		t.Fatal("expected error for pending job")
	}
}
