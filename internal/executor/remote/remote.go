// Package remote runs jobs on a hosted compute-job API. A job is submitted
// as a container spec, polled at a fixed interval until it reaches a
// terminal stage, then its log stream is fetched and decoded.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axelgadomski420/hugex-sub000/internal/config"
	"github.com/axelgadomski420/hugex-sub000/internal/executor"
)

// Backend submits jobs to the remote API and waits for their completion.
type Backend struct {
	Config config.Remote
	Client *http.Client

	// Command and Arguments form the container entrypoint. The prompt is
	// delivered through the PROMPT environment variable, not argv.
	Command   []string
	Arguments []string
}

// New returns a Backend with a default HTTP client.
func New(cfg config.Remote) *Backend {
	return &Backend{
		Config:    cfg,
		Client:    &http.Client{Timeout: 30 * time.Second},
		Command:   []string{"/bin/sh"},
		Arguments: []string{"-c", "/app/run.sh"},
	}
}

// Name implements executor.Backend.
func (b *Backend) Name() string { return "remote" }

// submitRequest is the job creation payload.
type submitRequest struct {
	Command        []string          `json:"command"`
	Arguments      []string          `json:"arguments"`
	Environment    map[string]string `json:"environment"`
	Secrets        map[string]string `json:"secrets"`
	Flavor         string            `json:"flavor"`
	DockerImage    string            `json:"dockerImage"`
	TimeoutSeconds int64             `json:"timeoutSeconds"`
}

// submitResponse tolerates the id field moving between API revisions.
type submitResponse struct {
	ID    string `json:"id"`
	JobID string `json:"jobId"`
	Mongo string `json:"_id"`
}

func (r *submitResponse) id() string {
	for _, v := range []string{r.ID, r.JobID, r.Mongo} {
		if v != "" {
			return v
		}
	}
	return ""
}

type statusResponse struct {
	Status struct {
		Stage   string `json:"stage"`
		Message string `json:"message"`
	} `json:"status"`
}

// Execute implements executor.Backend.
func (b *Backend) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	if b.Config.Token == "" {
		return nil, fmt.Errorf("remote backend: %w: set HUGEX_HF_TOKEN", executor.ErrMissingCredential)
	}
	username, err := b.resolveUsername(ctx)
	if err != nil {
		return nil, err
	}

	env := executor.MergeEnv(map[string]string{
		"PROMPT":      req.Prompt,
		"REPO_URL":    req.RepoURL,
		"REPO_BRANCH": req.RepoBranch,
	}, req.Env, nil)

	jobID, err := b.submit(ctx, username, env, req.Secrets)
	if err != nil {
		return nil, err
	}
	slog.Info("remote job submitted", "job", req.JobID, "remoteJob", jobID)

	if err := b.waitTerminal(ctx, username, jobID); err != nil {
		return nil, err
	}

	out := b.fetchOutput(ctx, username, jobID)
	return &executor.Result{
		Output:          out,
		ResolvedEnv:     env,
		ResolvedSecrets: req.Secrets,
		RemoteJobID:     jobID,
	}, nil
}

// resolveUsername prefers the configured username and falls back to the
// whoami endpoint.
func (b *Backend) resolveUsername(ctx context.Context) (string, error) {
	if b.Config.Username != "" {
		return b.Config.Username, nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Config.WhoamiURL, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.Config.Token)
	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("whoami: %w: %w", executor.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("whoami: %w: token rejected", executor.ErrMissingCredential)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whoami: unexpected status %d", resp.StatusCode)
	}
	var who struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return "", fmt.Errorf("whoami: decode: %w", err)
	}
	if who.Name == "" {
		return "", errors.New("whoami: response carried no username")
	}
	return who.Name, nil
}

func (b *Backend) submit(ctx context.Context, username string, env, secrets map[string]string) (string, error) {
	payload := submitRequest{
		Command:        b.Command,
		Arguments:      b.Arguments,
		Environment:    env,
		Secrets:        secrets,
		Flavor:         b.Config.Flavor,
		DockerImage:    b.Config.Image,
		TimeoutSeconds: int64(b.Config.JobTimeout.Std().Seconds()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := b.Config.BaseURL + "/" + url.PathEscape(username)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.Config.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit job: %w: %w", executor.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit job: %w: status %d: %s", executor.ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("submit job: decode: %w", err)
	}
	id := sub.id()
	if id == "" {
		return "", errors.New("submit job: response carried no job id")
	}
	return id, nil
}

// Stage vocabularies. Matching is case-insensitive; anything outside both
// sets counts as still running.
var (
	completedStages = []string{"completed", "succeeded", "success", "finished", "done"}
	failedStages    = []string{"failed", "error", "cancelled", "timeout", "aborted"}
)

func stageIn(stage string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(stage, s) {
			return true
		}
	}
	return false
}

// waitTerminal polls the job status at the configured interval. Transient
// request failures are logged and count as an attempt; only attempt
// exhaustion fails the wait. The interval is slept between attempts, not
// after the last one.
func (b *Backend) waitTerminal(ctx context.Context, username, jobID string) error {
	statusURL := fmt.Sprintf("%s/%s/%s", b.Config.BaseURL, url.PathEscape(username), url.PathEscape(jobID))
	for attempt := range b.Config.MaxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Config.PollInterval.Std()):
			}
		}
		stage, err := b.fetchStage(ctx, statusURL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("job status poll failed", "remoteJob", jobID, "attempt", attempt+1, "err", err)
		case stageIn(stage, completedStages):
			slog.Info("remote job completed", "remoteJob", jobID, "stage", stage)
			return nil
		case stageIn(stage, failedStages):
			return fmt.Errorf("remote job %s: %w: stage %q", jobID, executor.ErrRejected, stage)
		}
	}
	return fmt.Errorf("remote job %s: %w after %d polls", jobID, executor.ErrTimeout, b.Config.MaxAttempts)
}

func (b *Backend) fetchStage(ctx context.Context, statusURL string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.Config.Token)
	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return st.Status.Stage, nil
}

// fetchOutput retrieves and decodes the job log stream. Log retrieval never
// fails the job: any error degrades the output instead.
func (b *Backend) fetchOutput(ctx context.Context, username, jobID string) executor.Output {
	logsURL := fmt.Sprintf("%s/%s/%s/logs", b.Config.BaseURL, url.PathEscape(username), url.PathEscape(jobID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL, nil)
	if err != nil {
		return degraded(jobID, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.Config.Token)
	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return degraded(jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return degraded(jobID, fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return degraded(jobID, err)
	}
	return executor.Output{Text: DecodeFrames(string(body))}
}

func degraded(jobID string, err error) executor.Output {
	slog.Warn("log retrieval failed", "remoteJob", jobID, "err", err)
	return executor.Output{
		Text:     fmt.Sprintf("Job %s completed but logs could not be retrieved.", jobID),
		Degraded: true,
		Warning:  err.Error(),
	}
}

// DecodeFrames extracts the payload text from an event-stream style log
// body. Each useful line looks like "data: {json}" with a data field
// holding one log line. Lines that do not fit the shape are skipped, never
// fatal.
func DecodeFrames(raw string) string {
	var out []string
	for line := range strings.SplitSeq(raw, "\n") {
		line = strings.TrimSpace(line)
		payload, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		var frame struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			slog.Warn("skipping malformed log frame", "err", err)
			continue
		}
		out = append(out, frame.Data)
	}
	return strings.Join(out, "\n")
}
