package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCommandEmpty              = errors.New("command is empty")
	ErrCommandMultiline          = errors.New("command must be a single line")
	ErrCommandChannelUnavailable = errors.New("no console input available")
)

const (
	CommandPathAttach   = "attach"
	CommandPathFallback = "fallback"

	fallbackExitNoInput = 3
)

var shellDoubleQuoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

type CommandResult struct {
	Command string
	Success bool
	Output  string
	Error   string
	Path    string
}

// CommandChannel delivers operator commands to the game server's standard input. The primary path is a persistent
// attach to the process input, opened on first use and reopened after a failed write. When it cannot be used the
// command is injected once through exec, trying a terminal multiplexer session, a named pipe and then the process
// input descriptor. Only one write, on either path, is in flight at a time.
type CommandChannel struct {
	logger  *zap.Logger
	metrics Metrics
	runtime ContainerRuntime

	fallbackWait time.Duration
	pipePath     string
	stdinPath    string

	// Holds the single write slot; input is only touched by the holder.
	slot  chan struct{}
	input io.WriteCloser
}

func NewCommandChannel(logger *zap.Logger, metrics Metrics, config Config, runtime ContainerRuntime) *CommandChannel {
	cfg := config.GetContainer()
	return &CommandChannel{
		logger:  logger.With(zap.String("component", "command")),
		metrics: metrics,
		runtime: runtime,

		fallbackWait: time.Duration(cfg.FallbackWaitMs) * time.Millisecond,
		pipePath:     cfg.FallbackPipePath,
		stdinPath:    cfg.FallbackStdinFd,

		slot: make(chan struct{}, 1),
	}
}

// Send delivers command and reports the outcome. Delivery failures are reported in the result, not as a panic or a
// broadcast.
func (c *CommandChannel) Send(ctx context.Context, command string) *CommandResult {
	command = strings.TrimSpace(command)
	result := &CommandResult{Command: command}

	switch {
	case command == "":
		result.Error = ErrCommandEmpty.Error()
		return result
	case strings.ContainsAny(command, "\r\n"):
		result.Error = ErrCommandMultiline.Error()
		return result
	case c.runtime == nil:
		result.Error = ErrRuntimeNotConfigured.Error()
		return result
	}

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		result.Error = ctx.Err().Error()
		return result
	}
	defer func() { <-c.slot }()

	start := time.Now()
	err := c.sendAttached(ctx, command)
	if err == nil {
		result.Success = true
		result.Output = "Command sent"
		result.Path = CommandPathAttach
		c.metrics.Command(CommandPathAttach, true, time.Since(start))
		return result
	}
	c.logger.Debug("Attached input unavailable, using fallback", zap.Error(err))

	result.Path = CommandPathFallback
	output, err := c.sendFallback(ctx, command)
	c.metrics.Command(CommandPathFallback, err == nil, time.Since(start))
	if err != nil {
		c.logger.Warn("Command delivery failed", zap.String("command", command), zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}

func (c *CommandChannel) sendAttached(ctx context.Context, command string) error {
	if c.input == nil {
		input, err := c.runtime.AttachInput(ctx)
		if err != nil {
			return err
		}
		c.input = input
	}
	if _, err := io.WriteString(c.input, command+"\n"); err != nil {
		c.closeInputLocked()
		return err
	}
	return nil
}

func (c *CommandChannel) sendFallback(ctx context.Context, command string) (string, error) {
	exitCode, finished, err := c.runtime.ExecOneShot(ctx, c.fallbackFragment(command), c.fallbackWait)
	switch {
	case err != nil:
		return "", fmt.Errorf("fallback exec: %w", err)
	case !finished:
		return "Command sent (delivery not confirmed)", nil
	case exitCode == fallbackExitNoInput:
		return "", ErrCommandChannelUnavailable
	case exitCode != 0:
		return "", fmt.Errorf("fallback exited with code %d", exitCode)
	}
	return "Command sent", nil
}

// fallbackFragment builds the sh script that injects command into whichever console input exists.
func (c *CommandChannel) fallbackFragment(command string) string {
	cmd := shellDoubleQuoteEscaper.Replace(command)
	pipe := shellDoubleQuoteEscaper.Replace(c.pipePath)
	stdin := shellDoubleQuoteEscaper.Replace(c.stdinPath)

	var b strings.Builder
	fmt.Fprintf(&b, `if command -v tmux >/dev/null 2>&1 && tmux has-session 2>/dev/null; then tmux send-keys -l "%s" && tmux send-keys Enter; `, cmd)
	fmt.Fprintf(&b, `elif command -v screen >/dev/null 2>&1 && screen -ls 2>/dev/null | grep -Eq '(Attached|Detached)'; then screen -X stuff "%s$(printf '\r')"; `, cmd)
	if c.pipePath != "" {
		fmt.Fprintf(&b, `elif [ -p "%s" ]; then printf '%%s\n' "%s" > "%s"; `, pipe, cmd, pipe)
	}
	if c.stdinPath != "" {
		fmt.Fprintf(&b, `elif [ -w "%s" ]; then printf '%%s\n' "%s" > "%s"; `, stdin, cmd, stdin)
	}
	fmt.Fprintf(&b, `else exit %d; fi`, fallbackExitNoInput)
	return b.String()
}

func (c *CommandChannel) closeInputLocked() {
	if c.input == nil {
		return
	}
	if err := c.input.Close(); err != nil {
		c.logger.Debug("Error closing attached input", zap.Error(err))
	}
	c.input = nil
}

// Close releases the attached input, waiting for any in-flight write.
func (c *CommandChannel) Close() {
	c.slot <- struct{}{}
	c.closeInputLocked()
	<-c.slot
}
