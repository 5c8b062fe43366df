package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const backlogFetchTimeout = 10 * time.Second

// ConsoleHub owns the subscriber set. The upstream pipeline runs only while at least one subscriber is registered.
type ConsoleHub struct {
	sync.RWMutex
	logger     *zap.Logger
	metrics    Metrics
	runtime    ContainerRuntime
	parser     *LogParser
	supervisor *StreamSupervisor
	tracker    *PresenceTracker
	commands   *CommandChannel
	notifier   *PresenceNotifier

	sessions map[uuid.UUID]*consoleSession
	count    *atomic.Int32
	closed   bool

	backlogLines int
	backlogGroup singleflight.Group
}

var _ StreamSink = (*ConsoleHub)(nil)

func NewConsoleHub(logger *zap.Logger, metrics Metrics, config Config, runtime ContainerRuntime, parser *LogParser, supervisor *StreamSupervisor, tracker *PresenceTracker, commands *CommandChannel, notifier *PresenceNotifier) *ConsoleHub {
	h := &ConsoleHub{
		logger:     logger.With(zap.String("component", "hub")),
		metrics:    metrics,
		runtime:    runtime,
		parser:     parser,
		supervisor: supervisor,
		tracker:    tracker,
		commands:   commands,
		notifier:   notifier,

		sessions: make(map[uuid.UUID]*consoleSession),
		count:    atomic.NewInt32(0),

		backlogLines: config.GetSocket().BacklogLines,
	}
	supervisor.Bind(h, h.Count)
	return h
}

// Count is safe to call while the supervisor holds its own lock.
func (h *ConsoleHub) Count() int {
	return int(h.count.Load())
}

// Register adds a subscriber. The first subscriber starts the upstream stream. It returns false once the hub is
// closed.
func (h *ConsoleHub) Register(s *consoleSession) bool {
	h.Lock()
	if h.closed {
		h.Unlock()
		return false
	}
	if _, found := h.sessions[s.ID()]; found {
		h.Unlock()
		return true
	}
	h.sessions[s.ID()] = s
	n := h.count.Inc()
	if n == 1 {
		h.supervisor.Start()
	}
	h.Unlock()

	h.metrics.GaugeSubscribers(float64(n))
	s.Logger().Info("Subscriber registered", zap.Int32("subscribers", n))
	return true
}

// Unregister removes a subscriber. Removing the last one stops the upstream stream and any pending restart.
func (h *ConsoleHub) Unregister(id uuid.UUID) {
	h.Lock()
	if _, found := h.sessions[id]; !found {
		h.Unlock()
		return
	}
	delete(h.sessions, id)
	n := h.count.Dec()
	if n == 0 {
		h.supervisor.Stop()
	}
	h.Unlock()

	h.metrics.GaugeSubscribers(float64(n))
	h.logger.Debug("Subscriber unregistered", zap.String("sid", id.String()), zap.Int32("subscribers", n))
}

// Broadcast queues payload on every subscriber. A subscriber that cannot keep up is dropped, the others are unaffected.
func (h *ConsoleHub) Broadcast(payload []byte) {
	h.RLock()
	sessions := lo.Values(h.sessions)
	h.RUnlock()

	for _, s := range sessions {
		if err := s.SendBytes(payload); err != nil {
			h.metrics.CountSubscriberDropped(1)
		}
	}
}

func (h *ConsoleHub) OnLogEntry(entry *LogEntry) {
	payload, err := marshalLogEntry(entry)
	if err != nil {
		h.logger.Warn("Could not marshal log entry", zap.Error(err))
		return
	}
	h.Broadcast(payload)
	h.metrics.CountLinesBroadcast(1)
}

func (h *ConsoleHub) OnPresenceEvent(ev *PresenceEvent) {
	payload, err := marshalPresenceEvent(ev)
	if err != nil {
		h.logger.Warn("Could not marshal presence event", zap.Error(err))
		return
	}
	h.Broadcast(payload)
	h.notifier.Notify(ev)
}

func (h *ConsoleHub) OnUpstreamError(err error) {
	payload, mErr := marshalError(fmt.Sprintf("Log stream interrupted, reconnecting: %v", err))
	if mErr != nil {
		return
	}
	h.Broadcast(payload)
}

// Backlog fetches and encodes the most recent console lines. Concurrent callers share one runtime request, which is
// not cancelled when an individual caller gives up.
func (h *ConsoleHub) Backlog(ctx context.Context) ([][]byte, error) {
	if h.runtime == nil || h.backlogLines <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := h.backlogGroup.DoChan("backlog", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), backlogFetchTimeout)
		defer cancel()

		raw, err := h.runtime.RecentOutput(fetchCtx, h.backlogLines, false)
		if err != nil {
			return nil, err
		}
		entries := h.parser.ParseLines(DemuxChunk(raw))
		payloads := make([][]byte, 0, len(entries))
		for _, entry := range entries {
			payload, err := marshalLogEntry(entry)
			if err != nil {
				continue
			}
			payloads = append(payloads, payload)
		}
		return payloads, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([][]byte), nil
	}
}

// ExecuteCommand delivers a subscriber command and encodes the outcome for that subscriber alone.
func (h *ConsoleHub) ExecuteCommand(ctx context.Context, s *consoleSession, command string) []byte {
	result := h.commands.Send(ctx, command)
	if result.Success {
		s.Logger().Info("Command delivered", zap.String("command", result.Command), zap.String("path", result.Path))
	} else {
		s.Logger().Warn("Command rejected", zap.String("command", result.Command), zap.String("error", result.Error))
	}
	payload, err := marshalCommandResult(result)
	if err != nil {
		s.Logger().Warn("Could not marshal command result", zap.Error(err))
		return nil
	}
	return payload
}

// Close disconnects every subscriber and stops the upstream stream. Later registrations are refused.
func (h *ConsoleHub) Close() {
	h.Lock()
	h.closed = true
	sessions := lo.Values(h.sessions)
	h.Unlock()

	for _, s := range sessions {
		s.Close("server shutting down", websocket.CloseGoingAway)
	}
	h.supervisor.Stop()
}

type healthStatus struct {
	Subscribers   int    `json:"subscribers"`
	Upstream      string `json:"upstream"`
	PlayersOnline int    `json:"players_online"`
}

// HealthcheckHandler reports subscriber count, upstream state and online players as JSON.
func (h *ConsoleHub) HealthcheckHandler(w http.ResponseWriter, r *http.Request) {
	status := &healthStatus{
		Subscribers: h.Count(),
		Upstream:    h.supervisor.State().String(),
	}
	if h.tracker != nil {
		status.PlayersOnline = h.tracker.OnlineCount()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debug("Could not write healthcheck response", zap.Error(err))
	}
}
