package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

type UpstreamState int

const (
	UpstreamIdle UpstreamState = iota
	UpstreamStreaming
	UpstreamWaitingBackoff
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamStreaming:
		return "streaming"
	case UpstreamWaitingBackoff:
		return "waiting_backoff"
	default:
		return "idle"
	}
}

var errUpstreamEnded = errors.New("upstream log stream ended")

const upstreamReadBufferSize = 32 * 1024

// StreamSink receives everything the upstream pipeline produces. Calls come from the read loop goroutine and must not
// block on subscribers.
type StreamSink interface {
	OnLogEntry(entry *LogEntry)
	OnPresenceEvent(event *PresenceEvent)
	OnUpstreamError(err error)
}

// StreamSupervisor owns the single upstream read loop for the managed container and restarts it after a fixed delay
// while anyone is still watching.
type StreamSupervisor struct {
	sync.Mutex
	logger  *zap.Logger
	metrics Metrics
	runtime ContainerRuntime
	parser  *LogParser
	tracker *PresenceTracker
	sink    StreamSink

	subscribers  func() int
	restartDelay time.Duration
	replayLines  int
	maxFrame     int

	state      UpstreamState
	generation uint64
	cancelFn   context.CancelFunc
	timer      *time.Timer
	timerSeq   uint64
}

func NewStreamSupervisor(logger *zap.Logger, metrics Metrics, config Config, runtime ContainerRuntime, parser *LogParser, tracker *PresenceTracker) *StreamSupervisor {
	cfg := config.GetContainer()
	return &StreamSupervisor{
		logger:  logger.With(zap.String("component", "upstream")),
		metrics: metrics,
		runtime: runtime,
		parser:  parser,
		tracker: tracker,

		subscribers:  func() int { return 0 },
		restartDelay: time.Duration(cfg.RestartDelayMs) * time.Millisecond,
		replayLines:  cfg.ReplayLines,
		maxFrame:     cfg.MaxFrameBytes,
	}
}

// Bind connects the supervisor to its consumer. subscribers must not take locks the sink holds while calling Start or
// Stop.
func (s *StreamSupervisor) Bind(sink StreamSink, subscribers func() int) {
	s.Lock()
	s.sink = sink
	s.subscribers = subscribers
	s.Unlock()
}

func (s *StreamSupervisor) State() UpstreamState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Start opens the upstream stream unless it is already running or waiting to restart.
func (s *StreamSupervisor) Start() {
	s.Lock()
	defer s.Unlock()
	if s.state != UpstreamIdle {
		return
	}
	s.startLocked()
}

// Stop cancels the read loop and any pending restart. It does not wait for the loop to exit.
func (s *StreamSupervisor) Stop() {
	s.Lock()
	defer s.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	if s.state != UpstreamIdle {
		s.logger.Info("Stopping upstream stream")
	}
	s.generation++
	s.state = UpstreamIdle
}

func (s *StreamSupervisor) startLocked() {
	s.generation++
	ctx, cancelFn := context.WithCancel(context.Background())
	s.cancelFn = cancelFn
	s.state = UpstreamStreaming
	s.logger.Info("Starting upstream stream", zap.Uint64("generation", s.generation))
	go s.run(ctx, s.generation, s.sink)
}

func (s *StreamSupervisor) run(ctx context.Context, generation uint64, sink StreamSink) {
	if s.runtime == nil {
		s.ended(generation, ErrRuntimeNotConfigured)
		return
	}

	s.replayPresence(ctx)

	rc, err := s.runtime.StreamOutput(ctx)
	if err != nil {
		s.ended(generation, err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		stop()
		_ = rc.Close()
	}()

	demux := NewStreamDemuxer(s.maxFrame)
	buf := make([]byte, upstreamReadBufferSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			s.dispatch(ctx, sink, demux.Write(buf[:n]))
		}
		if err != nil {
			s.dispatch(ctx, sink, demux.Flush())
			if errors.Is(err, io.EOF) {
				err = errUpstreamEnded
			}
			s.ended(generation, err)
			return
		}
	}
}

func (s *StreamSupervisor) dispatch(ctx context.Context, sink StreamSink, lines []string) {
	for _, line := range lines {
		if ctx.Err() != nil {
			return
		}
		entry := s.parser.Parse(line)
		if entry == nil {
			continue
		}
		if sink != nil {
			sink.OnLogEntry(entry)
		}
		if s.tracker == nil {
			continue
		}
		if ev := s.tracker.Process(entry); ev != nil && sink != nil {
			sink.OnPresenceEvent(ev)
		}
	}
}

// replayPresence feeds recent history to the tracker so the roster is current without continuous uptime.
func (s *StreamSupervisor) replayPresence(ctx context.Context) {
	if s.tracker == nil || s.replayLines <= 0 {
		return
	}
	raw, err := s.runtime.RecentOutput(ctx, s.replayLines, true)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Could not read history for presence replay", zap.Error(err))
		}
		return
	}
	events := s.tracker.Replay(s.parser.ParseStampedLines(DemuxChunk(raw)))
	s.logger.Debug("Presence replay complete", zap.Int("events", len(events)))
}

// ended handles a terminal condition of the read loop for generation. Loops that were stopped deliberately are
// ignored.
func (s *StreamSupervisor) ended(generation uint64, err error) {
	s.Lock()
	if generation != s.generation || s.state != UpstreamStreaming {
		s.Unlock()
		return
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.metrics.CountUpstreamError(1)

	watching := s.subscribers() > 0
	if watching {
		s.state = UpstreamWaitingBackoff
		if s.timer == nil {
			s.timerSeq++
			seq := s.timerSeq
			s.timer = time.AfterFunc(s.restartDelay, func() { s.restart(seq) })
		}
	} else {
		s.state = UpstreamIdle
	}
	sink := s.sink
	s.Unlock()

	s.logger.Warn("Upstream stream terminated", zap.Error(err), zap.Bool("restart", watching), zap.Duration("delay", s.restartDelay))
	if watching && sink != nil {
		sink.OnUpstreamError(err)
	}
}

func (s *StreamSupervisor) restart(seq uint64) {
	s.Lock()
	defer s.Unlock()
	if seq != s.timerSeq {
		return
	}
	s.timer = nil
	if s.state != UpstreamWaitingBackoff {
		return
	}
	if s.subscribers() < 1 {
		s.state = UpstreamIdle
		return
	}
	s.metrics.CountUpstreamRestart(1)
	s.startLocked()
}
