package server

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrRuntimeNotConfigured = errors.New("container runtime not configured")

// ContainerRuntime is the process supervisor hosting the managed game server.
type ContainerRuntime interface {
	// RecentOutput returns the last tailLines of combined output, still in the runtime's stream framing. With
	// timestamps set every line is prefixed with the RFC 3339 time the runtime received it.
	RecentOutput(ctx context.Context, tailLines int, timestamps bool) ([]byte, error)
	// StreamOutput follows new output until ctx is cancelled or the stream ends.
	StreamOutput(ctx context.Context) (io.ReadCloser, error)
	// AttachInput opens a persistent writer onto the process standard input.
	AttachInput(ctx context.Context) (io.WriteCloser, error)
	// ExecOneShot runs a shell fragment inside the container and waits up to wait for it to exit. finished is false
	// when it was still running at that point.
	ExecOneShot(ctx context.Context, shellFragment string, wait time.Duration) (exitCode int, finished bool, err error)
}
