package diff

import (
	"strings"
)

// Parse scans unified-diff text into a Diff. It is a forgiving line-oriented
// scanner, not a strict grammar: malformed or truncated hunks degrade to
// under-counted additions/deletions instead of raising errors.
func Parse(jobID, text string) *Diff {
	d := &Diff{JobID: jobID}
	var cur *FileDiff
	var patch strings.Builder

	flush := func() {
		if cur == nil {
			return
		}
		cur.Patch = patch.String()
		d.Files = append(d.Files, *cur)
		cur = nil
		patch.Reset()
	}

	for line := range strings.SplitSeq(text, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			name, oldName := parseGitHeader(line)
			cur = &FileDiff{Filename: name, Status: StatusModified}
			if oldName != "" && oldName != name {
				cur.OldFilename = oldName
			}
			continue
		case cur == nil:
			// Text before the first file header is ignored.
			continue
		case strings.HasPrefix(line, "new file mode"):
			cur.Status = StatusAdded
		case strings.HasPrefix(line, "deleted file mode"):
			cur.Status = StatusDeleted
		case strings.HasPrefix(line, "rename from "):
			cur.Status = StatusRenamed
			cur.OldFilename = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			cur.Status = StatusRenamed
			cur.Filename = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"),
			strings.HasPrefix(line, "index "), strings.HasPrefix(line, "@@"):
			// Header lines are kept verbatim but never counted.
		case strings.HasPrefix(line, "+"):
			cur.Additions++
		case strings.HasPrefix(line, "-"):
			cur.Deletions++
		}
		// Everything after the git header (including context lines, blank
		// lines, and the "\ No newline at end of file" marker) is appended
		// to the raw patch text.
		patch.WriteString(line)
		patch.WriteString("\n")
	}
	flush()
	d.ComputeSummary()
	return d
}

// parseGitHeader extracts the new and old filenames from a
// "diff --git a/X b/Y" line. Returns empty strings when the line does not
// carry the expected a/ b/ prefixes.
func parseGitHeader(line string) (name, oldName string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	// Filenames with spaces are rare in agent output; split on " b/" which
	// is unambiguous for the common case.
	if i := strings.Index(rest, " b/"); i >= 0 {
		oldName = strings.TrimPrefix(rest[:i], "a/")
		name = rest[i+len(" b/"):]
		return name, oldName
	}
	fields := strings.Fields(rest)
	if len(fields) >= 2 {
		return strings.TrimPrefix(fields[1], "b/"), strings.TrimPrefix(fields[0], "a/")
	}
	return "", ""
}
