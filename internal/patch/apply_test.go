package patch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
)

func writeOriginal(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func readBack(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestApplyModifiedRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		original string
		patch    string
		want     string
	}{
		{
			name:     "pure insertion",
			original: "a\nb\nc\n",
			patch:    "@@ -1,3 +1,4 @@\n a\n+x\n b\n c\n",
			want:     "a\nx\nb\nc\n",
		},
		{
			name:     "pure deletion",
			original: "a\nb\nc\n",
			patch:    "@@ -1,3 +1,2 @@\n a\n-b\n c\n",
			want:     "a\nc\n",
		},
		{
			name:     "single line replacement",
			original: "a\nb\nc\n",
			patch:    "@@ -1,3 +1,3 @@\n a\n-b\n+x\n c\n",
			want:     "a\nx\nc\n",
		},
		{
			name:     "multiple non-adjacent hunks",
			original: "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\n",
			patch:    "@@ -1,3 +1,3 @@\n l1\n-l2\n+X\n l3\n@@ -7,3 +7,3 @@\n l7\n-l8\n+Y\n l9\n",
			want:     "l1\nX\nl3\nl4\nl5\nl6\nl7\nY\nl9\nl10\n",
		},
		{
			name:     "insertion at end",
			original: "a\nb\n",
			patch:    "@@ -2,1 +2,2 @@\n b\n+c\n",
			want:     "a\nb\nc\n",
		},
		{
			name:     "with file headers",
			original: "a\nb\nc\n",
			patch:    "index 000..111 100644\n--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\n a\n-b\n+x\n c\n",
			want:     "a\nx\nc\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeOriginal(t, dir, "f.txt", tt.original)
			err := Apply(dir, []diff.FileDiff{{
				Filename: "f.txt",
				Status:   diff.StatusModified,
				Patch:    tt.patch,
			}})
			if err != nil {
				t.Fatal(err)
			}
			if got := readBack(t, dir, "f.txt"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyAdded(t *testing.T) {
	dir := t.TempDir()
	err := Apply(dir, []diff.FileDiff{{
		Filename: "sub/dir/new.txt",
		Status:   diff.StatusAdded,
		Patch:    "new file mode 100644\n--- /dev/null\n+++ b/sub/dir/new.txt\n@@ -0,0 +1,2 @@\n+hello\n+world\n",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, dir, "sub/dir/new.txt"); got != "hello\nworld\n" {
		t.Errorf("got %q, want %q", got, "hello\nworld\n")
	}
}

// Pure-replacement payloads carry no "+" lines before the second hunk marker;
// content extraction falls back to the region after it.
func TestApplyAddedSecondHunkFallback(t *testing.T) {
	dir := t.TempDir()
	patch := "@@ file replacement @@\n not part of the file\n@@ -0,0 +3,0 @@\n full\n content\n here\n"
	err := Apply(dir, []diff.FileDiff{{Filename: "r.txt", Status: diff.StatusAdded, Patch: patch}})
	if err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, dir, "r.txt"); got != "full\ncontent\nhere\n" {
		t.Errorf("got %q, want %q", got, "full\ncontent\nhere\n")
	}
}

func TestApplyDeleted(t *testing.T) {
	dir := t.TempDir()
	writeOriginal(t, dir, "gone.txt", "bye\n")
	fd := []diff.FileDiff{{Filename: "gone.txt", Status: diff.StatusDeleted}}
	if err := Apply(dir, fd); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("file still exists after delete")
	}
	// Deleting again is not an error.
	if err := Apply(dir, fd); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestApplyRenamed(t *testing.T) {
	dir := t.TempDir()
	writeOriginal(t, dir, "old.txt", "content\n")
	err := Apply(dir, []diff.FileDiff{{
		Filename:    "new.txt",
		OldFilename: "old.txt",
		Status:      diff.StatusRenamed,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("old path still exists after rename")
	}
	if got := readBack(t, dir, "new.txt"); got != "content\n" {
		t.Errorf("got %q, want %q", got, "content\n")
	}
}

func TestApplyRenamedMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := Apply(dir, []diff.FileDiff{{
		Filename:    "new.txt",
		OldFilename: "never-existed.txt",
		Status:      diff.StatusRenamed,
		Patch:       "@@ -1,1 +1,1 @@\n+recreated\n",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, dir, "new.txt"); got != "recreated\n" {
		t.Errorf("got %q, want %q", got, "recreated\n")
	}
}

// A hunk that cannot apply falls back to content extraction instead of
// leaving the file untouched.
func TestApplyModifiedFallback(t *testing.T) {
	dir := t.TempDir()
	writeOriginal(t, dir, "f.txt", "a\n")
	err := Apply(dir, []diff.FileDiff{{
		Filename: "f.txt",
		Status:   diff.StatusModified,
		// Offset far past the end of the one-line original.
		Patch: "@@ -100,2 +100,2 @@\n-x\n+y\n z\n",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := readBack(t, dir, "f.txt"); got != "y\nz\n" {
		t.Errorf("got %q, want %q", got, "y\nz\n")
	}
}

func TestApplyErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	err := Apply(dir, []diff.FileDiff{{Filename: "x", Status: "bogus"}})
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *ApplyError", err)
	}
	if ae.Filename != "x" {
		t.Errorf("Filename = %q, want x", ae.Filename)
	}
}

// Parse → Apply round trip through the real parser.
func TestParseThenApply(t *testing.T) {
	dir := t.TempDir()
	writeOriginal(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	text := "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1,3 +1,4 @@\n package main\n \n-func main() {}\n+func main() { run() }\n+func run()  {}\n"
	d := diff.Parse("j", text)
	if err := Apply(dir, d.Files); err != nil {
		t.Fatal(err)
	}
	want := "package main\n\nfunc main() { run() }\nfunc run()  {}\n"
	if got := readBack(t, dir, "main.go"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
