// Package local runs jobs in a Docker container on the host the worker
// runs on. It talks to the daemon through the engine API, attaches to the
// container before starting it, and demultiplexes the log stream
// incrementally so partial output survives a killed job.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/axelgadomski420/hugex-sub000/internal/config"
	"github.com/axelgadomski420/hugex-sub000/internal/executor"
)

// dockerClient is the slice of the engine API the backend uses. *client.Client
// satisfies it; tests substitute a fake.
type dockerClient interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// Backend runs jobs in local Docker containers.
type Backend struct {
	Config config.Local
	docker dockerClient

	// Cmd is the container entrypoint override. The prompt travels in the
	// PROMPT environment variable.
	Cmd []string
}

// New connects to the local daemon using the standard environment
// (DOCKER_HOST et al) and negotiates the API version.
func New(cfg config.Local) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Backend{Config: cfg, docker: cli, Cmd: []string{"/bin/sh", "-c", "/app/run.sh"}}, nil
}

// Name implements executor.Backend.
func (b *Backend) Name() string { return "local" }

// Execute implements executor.Backend.
func (b *Backend) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	if err := b.checkImage(ctx); err != nil {
		return nil, err
	}

	env := executor.MergeEnv(map[string]string{
		"PROMPT":      req.Prompt,
		"REPO_URL":    req.RepoURL,
		"REPO_BRANCH": req.RepoBranch,
	}, req.Env, req.Secrets)

	id, err := b.createContainer(ctx, env)
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return nil, fmt.Errorf("create container: %w: %w", executor.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("create container: %w", err)
	}
	slog.Info("container created", "job", req.JobID, "container", id[:12])

	// Attach before start so the first bytes of output are never missed.
	attach, err := b.docker.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", id[:12], err)
	}
	defer attach.Close()

	if err := b.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", id[:12], err)
	}

	out, timedOut, err := b.collect(ctx, id, attach.Reader, req.LogSink, attach.Close)
	if err != nil {
		return nil, err
	}
	res := &executor.Result{
		Output:          executor.Output{Text: out},
		ResolvedEnv:     env,
		ResolvedSecrets: req.Secrets,
	}
	if timedOut {
		return res, fmt.Errorf("container %s: %w after %s", id[:12], executor.ErrTimeout, b.Config.Timeout.Std())
	}
	return res, nil
}

// checkImage verifies the configured image exists locally before creating a
// container, so a typo'd tag produces a useful error instead of a daemon 404.
func (b *Backend) checkImage(ctx context.Context) error {
	summaries, err := b.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		// A failed preflight means the daemon cannot be used, whatever the
		// transport detail.
		return fmt.Errorf("list images: %w: %w", executor.ErrUnavailable, err)
	}
	var available []string
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			if tag == b.Config.Image {
				return nil
			}
			if tag != "<none>:<none>" {
				available = append(available, tag)
			}
		}
	}
	sort.Strings(available)
	return &executor.ImageNotFoundError{Image: b.Config.Image, Available: available}
}

func (b *Backend) createContainer(ctx context.Context, env map[string]string) (string, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	resp, err := b.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      b.Config.Image,
			Cmd:        b.Cmd,
			Env:        envList,
			WorkingDir: b.Config.Workspace,
		},
		&container.HostConfig{
			AutoRemove: true,
			Resources: container.Resources{
				Memory:    b.Config.MemoryBytes,
				CPUShares: b.Config.CPUShares,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// collect drains the attached stream through the demuxer and waits for the
// container to stop. Past the wall-clock bound the container is killed, and
// whatever output was demuxed so far is kept. Newly decoded text is pushed
// to sink as it arrives. The reader goroutine is always joined before
// collect returns: only it may touch the demuxer or the sink while it runs.
func (b *Backend) collect(ctx context.Context, id string, r io.Reader, sink func(string), closeStream func()) (text string, timedOut bool, err error) {
	var d demuxer
	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				prev := d.out.Len()
				d.Feed(buf[:n])
				if sink != nil && d.out.Len() > prev {
					sink(d.out.String()[prev:])
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				// Partial trailing frame bytes still belong in the tail.
				if sink != nil && len(d.buf) > 0 {
					sink(string(d.buf))
				}
				readDone <- err
				return
			}
		}
	}()

	waitCh, waitErrCh := b.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var timer <-chan time.Time
	if b.Config.Timeout.Std() > 0 {
		t := time.NewTimer(b.Config.Timeout.Std())
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-waitCh:
		if res.StatusCode != 0 {
			slog.Warn("container exited nonzero", "container", id[:12], "code", res.StatusCode)
		}
	case werr := <-waitErrCh:
		if werr != nil {
			err = fmt.Errorf("wait container %s: %w", id[:12], werr)
		}
	case <-timer:
		b.kill(ctx, id)
		timedOut = true
	case <-ctx.Done():
		b.kill(ctx, id)
		err = ctx.Err()
	}

	// Join the reader before reading the demuxer. Closing the attach
	// stream unblocks its Read, so this cannot hang, and once it returns
	// no late chunk can reach the sink (the log may already be archived).
	closeStream()
	rerr := <-readDone
	if rerr != nil && !errors.Is(rerr, net.ErrClosed) && !errors.Is(rerr, io.ErrClosedPipe) {
		slog.Warn("log stream read failed", "container", id[:12], "err", rerr)
	}

	return d.String(), timedOut, err
}

func (b *Backend) kill(ctx context.Context, id string) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.docker.ContainerKill(kctx, id, "KILL"); err != nil {
		slog.Warn("kill container failed", "container", id[:12], "err", err)
	}
}
