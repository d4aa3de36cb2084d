package executor

import (
	"errors"
	"fmt"
	"strings"
)

// Taxonomy of backend failures. Each marks the job failed; everything else
// (transient poll errors, log retrieval hiccups) is retried or degraded
// inside the backend and never surfaces as a job failure by itself.
var (
	// ErrMissingCredential is returned before any network call when the
	// remote backend has no bearer credential.
	ErrMissingCredential = errors.New("missing credential")
	// ErrUnavailable indicates the compute substrate cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrTimeout indicates the job did not reach a terminal state within
	// the configured bound.
	ErrTimeout = errors.New("backend timeout")
	// ErrRejected indicates the substrate reported a failure status.
	ErrRejected = errors.New("backend rejected job")
)

// ImageNotFoundError is returned by the local backend preflight when the
// configured image is not present, listing what is available for diagnostics.
type ImageNotFoundError struct {
	Image     string
	Available []string
}

func (e *ImageNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("image %q not found locally (no images available)", e.Image)
	}
	return fmt.Sprintf("image %q not found locally (available: %s)", e.Image, strings.Join(e.Available, ", "))
}
