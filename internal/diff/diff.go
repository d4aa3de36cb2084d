// Package diff holds the structured representation of a job's code change and
// the parsers that produce it from raw agent console output.
package diff

// FileStatus classifies how a file was changed.
type FileStatus string

// File change statuses.
const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// FileDiff is one file's change: counts plus the raw unified-diff hunk text.
type FileDiff struct {
	Filename    string     `json:"filename"`
	OldFilename string     `json:"oldFilename,omitempty"` // renames only
	Status      FileStatus `json:"status"`
	Additions   int        `json:"additions"`
	Deletions   int        `json:"deletions"`
	Patch       string     `json:"patch"`
}

// Summary aggregates per-file counts. It is always derived from the file
// list via ComputeSummary, never set by hand.
type Summary struct {
	TotalAdditions int `json:"totalAdditions"`
	TotalDeletions int `json:"totalDeletions"`
	TotalFiles     int `json:"totalFiles"`
}

// Diff is the structured result of one job.
type Diff struct {
	JobID   string     `json:"jobId"`
	Files   []FileDiff `json:"files"`
	Summary Summary    `json:"summary"`
}

// ComputeSummary recalculates the summary from the file list.
func (d *Diff) ComputeSummary() {
	s := Summary{TotalFiles: len(d.Files)}
	for i := range d.Files {
		s.TotalAdditions += d.Files[i].Additions
		s.TotalDeletions += d.Files[i].Deletions
	}
	d.Summary = s
}

// Empty reports whether the diff contains no file changes.
func (d *Diff) Empty() bool {
	return len(d.Files) == 0
}
