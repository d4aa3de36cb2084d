package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// LogStore keeps one append-only log file per job under dir. Completed jobs
// can be archived to gzip to keep the directory small; Read is transparent
// about which form it finds.
type LogStore struct {
	dir string
}

// NewLogStore creates the log directory if needed.
func NewLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &LogStore{dir: dir}, nil
}

func (l *LogStore) path(id string) string {
	return filepath.Join(l.dir, id+".log")
}

// Append writes text to the job's log, creating the file on first use.
func (l *LogStore) Append(id, text string) error {
	f, err := os.OpenFile(l.path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	return f.Close()
}

// Read returns the full log text. Archived logs are decompressed on the fly.
func (l *LogStore) Read(id string) (string, error) {
	data, err := os.ReadFile(l.path(id))
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read log %s: %w", id, err)
	}
	f, err := os.Open(l.path(id) + ".gz")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no log for %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("read log %s: %w", id, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("read archived log %s: %w", id, err)
	}
	defer zr.Close()
	data, err = io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("read archived log %s: %w", id, err)
	}
	return string(data), nil
}

// Archive compresses the job's log and removes the plain file. Archiving a
// job with no log, or one already archived, is a no-op.
func (l *LogStore) Archive(id string) error {
	src, err := os.Open(l.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("archive log %s: %w", id, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(l.path(id)+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("archive log %s: %w", id, err)
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		return fmt.Errorf("archive log %s: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("archive log %s: %w", id, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("archive log %s: %w", id, err)
	}
	return os.Remove(l.path(id))
}
