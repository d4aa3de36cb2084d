// Package patch materializes parsed file diffs onto a working tree.
//
// It implements only the constrained subset of patch application needed to
// round-trip the diffs the agent backends emit: a line-oriented hunk walker
// plus content-extraction fallbacks for payloads that do not apply cleanly.
// Partial application is never acceptable because the result gets committed,
// so any single file failure aborts the whole operation.
package patch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
)

// ApplyError wraps the failure that aborted patch application, naming the
// offending file.
type ApplyError struct {
	Filename string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying patch to %s: %v", e.Filename, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Apply mutates files under dir according to the ordered file diffs.
// It dispatches on each file's status; the first failure aborts with an
// *ApplyError so the caller can abandon the working tree.
func Apply(dir string, files []diff.FileDiff) error {
	for i := range files {
		f := &files[i]
		var err error
		switch f.Status {
		case diff.StatusAdded:
			err = applyAdded(dir, f)
		case diff.StatusDeleted:
			err = applyDeleted(dir, f)
		case diff.StatusRenamed:
			err = applyRenamed(dir, f)
		case diff.StatusModified:
			err = applyModified(dir, f)
		default:
			err = fmt.Errorf("unknown file status %q", f.Status)
		}
		if err != nil {
			return &ApplyError{Filename: f.Filename, Err: err}
		}
	}
	return nil
}

// applyAdded creates a new file whose content is extracted from the diff.
func applyAdded(dir string, f *diff.FileDiff) error {
	content := contentFromPatch(f.Patch)
	return writeFile(dir, f.Filename, content)
}

// applyDeleted removes the file. Already absent counts as success.
func applyDeleted(dir string, f *diff.FileDiff) error {
	err := os.Remove(filepath.Join(dir, f.Filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// applyRenamed moves the old path to the new one. When the old path is
// missing (e.g. the diff was produced against a different base), it falls
// back to creating the new file from the diff content.
func applyRenamed(dir string, f *diff.FileDiff) error {
	oldPath := filepath.Join(dir, f.OldFilename)
	newPath := filepath.Join(dir, f.Filename)
	if _, err := os.Stat(oldPath); errors.Is(err, os.ErrNotExist) {
		slog.Warn("rename source missing, creating from diff content", "old", f.OldFilename, "new", f.Filename)
		return applyAdded(dir, f)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// applyModified patches an existing file via the hunk walker. If walking the
// hunks fails for any reason, it falls back to the added-style content
// extraction rather than leaving the file untouched.
func applyModified(dir string, f *diff.FileDiff) error {
	path := filepath.Join(dir, f.Filename)
	original, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Agent marked it modified but the base doesn't have it.
			return applyAdded(dir, f)
		}
		return err
	}
	patched, err := applyHunks(string(original), f.Patch)
	if err != nil {
		slog.Warn("hunk application failed, falling back to content extraction", "file", f.Filename, "err", err)
		patched = contentFromPatch(f.Patch)
	}
	return writeFile(dir, f.Filename, patched)
}

// hunkHeader holds the parsed "@@ -a,b +c,d @@" values.
type hunkHeader struct {
	origStart, origLen int
	newStart, newLen   int
}

// parseHunkHeader parses "@@ -a,b +c,d @@". Single-line shorthand ("-a"
// without ",b") defaults the length to 1.
func parseHunkHeader(line string) (hunkHeader, bool) {
	if !strings.HasPrefix(line, "@@") {
		return hunkHeader{}, false
	}
	inner := strings.TrimSpace(strings.Trim(line, "@ "))
	fields := strings.Fields(inner)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return hunkHeader{}, false
	}
	parse := func(s string) (start, length int, ok bool) {
		length = 1
		if i := strings.IndexByte(s, ','); i >= 0 {
			n, err := strconv.Atoi(s[i+1:])
			if err != nil {
				return 0, 0, false
			}
			length = n
			s = s[:i]
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, false
		}
		return n, length, true
	}
	h := hunkHeader{}
	var ok bool
	if h.origStart, h.origLen, ok = parse(fields[0][1:]); !ok {
		return hunkHeader{}, false
	}
	if h.newStart, h.newLen, ok = parse(fields[1][1:]); !ok {
		return hunkHeader{}, false
	}
	return h, true
}

// applyHunks walks the patch text hunk by hunk against the original content.
//
// For each hunk it copies unchanged original lines up to the hunk's 0-based
// offset, then consumes "-" lines from the original, emits "+" lines, and
// passes context lines through while advancing the original cursor. A hunk
// ends once max(origLen, newLen) declared lines have been processed — a
// heuristic kept for compatibility with the diffs the agents produce; diffs
// with inaccurate line counts can be misapplied rather than rejected.
func applyHunks(original, patch string) (string, error) {
	origLines := strings.Split(original, "\n")
	patchLines := strings.Split(patch, "\n")

	var out []string
	origPos := 0 // 0-based cursor into origLines

	i := 0
	for i < len(patchLines) {
		h, ok := parseHunkHeader(patchLines[i])
		if !ok {
			i++
			continue
		}
		i++

		target := h.origStart - 1
		if target < 0 {
			target = 0
		}
		if target > len(origLines) {
			return "", fmt.Errorf("hunk offset %d beyond original length %d", target, len(origLines))
		}
		if target < origPos {
			return "", fmt.Errorf("hunk offset %d before cursor %d (overlapping hunks)", target, origPos)
		}
		out = append(out, origLines[origPos:target]...)
		origPos = target

		maxLines := max(h.origLen, h.newLen)
		processed := 0
		for i < len(patchLines) && processed < maxLines {
			line := patchLines[i]
			if strings.HasPrefix(line, "@@") {
				break
			}
			switch {
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" — metadata, not content.
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
				processed++
			case strings.HasPrefix(line, "-"):
				if origPos >= len(origLines) {
					return "", errors.New("deletion past end of original")
				}
				origPos++
				processed++
			default:
				// Context line (leading space or blank).
				if origPos >= len(origLines) {
					return "", errors.New("context past end of original")
				}
				out = append(out, origLines[origPos])
				origPos++
				processed++
			}
			i++
		}
	}

	out = append(out, origLines[origPos:]...)
	return strings.Join(out, "\n"), nil
}

// contentFromPatch derives full file content from a diff payload: every "+"
// line (marker stripped) plus every context line that is not a header or hunk
// marker. When no "+" lines exist but a hunk marker does, it rescans the
// region after the second "@@" marker collecting "+"/" "-prefixed lines —
// this handles pure-replacement payloads.
func contentFromPatch(patch string) string {
	var lines []string
	sawHunk := false
	sawPlus := false
	for line := range strings.SplitSeq(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git"), strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "new file mode"), strings.HasPrefix(line, "deleted file mode"),
			strings.HasPrefix(line, "rename from"), strings.HasPrefix(line, "rename to"),
			strings.HasPrefix(line, "similarity index"),
			strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"),
			strings.HasPrefix(line, "\\"):
		case strings.HasPrefix(line, "@@"):
			sawHunk = true
		case strings.HasPrefix(line, "+"):
			sawPlus = true
			lines = append(lines, line[1:])
		case strings.HasPrefix(line, "-"):
		case strings.HasPrefix(line, " "):
			lines = append(lines, line[1:])
		case line == "":
			// Blank context; interior blanks survive, trailing ones are
			// trimmed below.
			lines = append(lines, "")
		default:
			lines = append(lines, line)
		}
	}
	if !sawPlus && sawHunk {
		// Pure-replacement payload: the real content sits after the second
		// hunk marker.
		return contentAfterSecondHunk(patch)
	}
	// Trim trailing blanks introduced by the final newline split.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// contentAfterSecondHunk collects "+"/" " lines after the second "@@" marker.
func contentAfterSecondHunk(patch string) string {
	var lines []string
	markers := 0
	for line := range strings.SplitSeq(patch, "\n") {
		if strings.HasPrefix(line, "@@") {
			markers++
			continue
		}
		if markers < 2 {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, " ") {
			lines = append(lines, line[1:])
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// writeFile writes content, creating parent directories as needed.
func writeFile(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
