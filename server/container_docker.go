package server

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

const execPollInterval = 50 * time.Millisecond

var _ ContainerRuntime = (*DockerRuntime)(nil)

// DockerRuntime talks to the Docker Engine API for a single named container.
type DockerRuntime struct {
	logger        *zap.Logger
	client        *client.Client
	containerName string
	maxBacklog    int64
}

func NewDockerRuntime(logger *zap.Logger, config Config) (*DockerRuntime, error) {
	cfg := config.GetContainer()
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{
		logger:        logger.With(zap.String("container", cfg.Name)),
		client:        cli,
		containerName: cfg.Name,
		maxBacklog:    cfg.MaxBacklogBytes,
	}, nil
}

func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) RecentOutput(ctx context.Context, tailLines int, timestamps bool) ([]byte, error) {
	if tailLines <= 0 {
		return nil, nil
	}
	rc, err := r.client.ContainerLogs(ctx, r.containerName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
		Timestamps: timestamps,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBacklog))
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	return data, nil
}

func (r *DockerRuntime) StreamOutput(ctx context.Context) (io.ReadCloser, error) {
	rc, err := r.client.ContainerLogs(ctx, r.containerName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		return nil, fmt.Errorf("container logs follow: %w", err)
	}
	return rc, nil
}

func (r *DockerRuntime) AttachInput(ctx context.Context) (io.WriteCloser, error) {
	resp, err := r.client.ContainerAttach(ctx, r.containerName, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("container attach: %w", err)
	}
	return &hijackedInput{resp: resp}, nil
}

func (r *DockerRuntime) ExecOneShot(ctx context.Context, shellFragment string, wait time.Duration) (int, bool, error) {
	created, err := r.client.ContainerExecCreate(ctx, r.containerName, container.ExecOptions{
		Cmd: []string{"sh", "-c", shellFragment},
	})
	if err != nil {
		return 0, false, fmt.Errorf("exec create: %w", err)
	}
	if err := r.client.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return 0, false, fmt.Errorf("exec start: %w", err)
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		inspect, err := r.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return 0, false, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, true, nil
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-deadline.C:
			return 0, false, nil
		case <-ticker.C:
		}
	}
}

type hijackedInput struct {
	resp types.HijackedResponse
}

func (h *hijackedInput) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedInput) Close() error {
	h.resp.Close()
	return nil
}
