package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []*LogEntry
	events  []*PresenceEvent
	errs    []error
}

func (r *recordingSink) OnLogEntry(entry *LogEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *recordingSink) OnPresenceEvent(event *PresenceEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) OnUpstreamError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingSink) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Message)
	}
	return out
}

func (r *recordingSink) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recordingSink) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func nextStream(t *testing.T, rt *fakeRuntime) *fakeStream {
	t.Helper()
	select {
	case s := <-rt.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream was not opened")
		return nil
	}
}

func newSupervisorForTest(t *testing.T, rt *fakeRuntime, subscribers *atomic.Int32) (*StreamSupervisor, *recordingSink, *PresenceTracker) {
	cfg := configForTest(t)
	metrics := metricsForTest(t, cfg)
	tracker := NewPresenceTracker(loggerForTest(t), metrics, cfg, nil, nil)
	tracker.Restore(nil)
	t.Cleanup(tracker.Stop)

	sup := NewStreamSupervisor(loggerForTest(t), metrics, cfg, rt, NewLogParser(0), tracker)
	sink := &recordingSink{}
	sup.Bind(sink, func() int { return int(subscribers.Load()) })
	t.Cleanup(sup.Stop)
	return sup, sink, tracker
}

func TestStreamSupervisor_DeliversLinesAndPresence(t *testing.T) {
	rt := newFakeRuntime()
	sup, sink, tracker := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.Start()
	assert.Equal(t, UpstreamStreaming, sup.State())
	stream := nextStream(t, rt)

	require.NoError(t, stream.Emit(concat(
		frame(StreamTypeStdout, "[2026/01/14 12:41:18   INFO] Server started\n"),
		frame(StreamTypeStderr, "Player connected: Alice123\n"),
	)))

	require.Eventually(t, func() bool { return len(sink.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Server started", "Player connected: Alice123"}, sink.messages())
	require.Eventually(t, func() bool { return sink.eventCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	entry, found := tracker.Get("Alice123")
	require.True(t, found)
	assert.True(t, entry.Online)
}

func TestStreamSupervisor_StartIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	sup, _, _ := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.Start()
	sup.Start()
	nextStream(t, rt)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, rt.streamCalls.Load())
}

func TestStreamSupervisor_RestartsAfterDelay(t *testing.T) {
	rt := newFakeRuntime()
	sup, sink, _ := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.restartDelay = 250 * time.Millisecond

	sup.Start()
	stream := nextStream(t, rt)

	ended := time.Now()
	stream.End()

	require.Eventually(t, func() bool { return sink.errorCount() == 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, UpstreamWaitingBackoff, sup.State())
	assert.EqualValues(t, 1, rt.streamCalls.Load())

	nextStream(t, rt)
	assert.GreaterOrEqual(t, time.Since(ended), 250*time.Millisecond)
	assert.EqualValues(t, 2, rt.streamCalls.Load())
	assert.Equal(t, UpstreamStreaming, sup.State())
}

func TestStreamSupervisor_SingleRestartTimer(t *testing.T) {
	rt := newFakeRuntime()
	sup, _, _ := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.restartDelay = 250 * time.Millisecond

	sup.Start()
	stream := nextStream(t, rt)
	sup.Lock()
	generation := sup.generation
	sup.Unlock()

	stream.Fail()
	require.Eventually(t, func() bool { return sup.State() == UpstreamWaitingBackoff }, 2*time.Second, 2*time.Millisecond)

	sup.Lock()
	firstTimer := sup.timer
	sup.Unlock()
	require.NotNil(t, firstTimer)

	// Further terminal signals for the same loop do not schedule another restart.
	sup.ended(generation, errUpstreamEnded)
	sup.ended(generation, errUpstreamEnded)
	sup.Lock()
	assert.Same(t, firstTimer, sup.timer)
	sup.Unlock()

	nextStream(t, rt)
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 2, rt.streamCalls.Load())
}

func TestStreamSupervisor_NoRestartWithoutSubscribers(t *testing.T) {
	rt := newFakeRuntime()
	subscribers := atomic.NewInt32(0)
	sup, sink, _ := newSupervisorForTest(t, rt, subscribers)

	sup.Start()
	nextStream(t, rt).End()

	require.Eventually(t, func() bool { return sup.State() == UpstreamIdle }, 2*time.Second, 2*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.EqualValues(t, 1, rt.streamCalls.Load())
	assert.Zero(t, sink.errorCount())
}

func TestStreamSupervisor_SubscribersLeaveDuringBackoff(t *testing.T) {
	rt := newFakeRuntime()
	subscribers := atomic.NewInt32(1)
	sup, _, _ := newSupervisorForTest(t, rt, subscribers)

	sup.restartDelay = 250 * time.Millisecond

	sup.Start()
	nextStream(t, rt).End()
	require.Eventually(t, func() bool { return sup.State() == UpstreamWaitingBackoff }, 2*time.Second, 2*time.Millisecond)

	subscribers.Store(0)
	require.Eventually(t, func() bool { return sup.State() == UpstreamIdle }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, rt.streamCalls.Load())
}

func TestStreamSupervisor_StopCancelsReadLoop(t *testing.T) {
	rt := newFakeRuntime()
	sup, sink, _ := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.Start()
	stream := nextStream(t, rt)
	sup.Stop()

	assert.Equal(t, UpstreamIdle, sup.State())
	require.Eventually(t, stream.closed.Load, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.errorCount())
	assert.EqualValues(t, 1, rt.streamCalls.Load())
}

func TestStreamSupervisor_ReplaysPresenceOnStart(t *testing.T) {
	rt := newFakeRuntime()
	rt.setBacklog(concat(
		frame(StreamTypeStdout, "[2026/01/14 12:00:00   INFO] Player connected: Bob456\n"),
		frame(StreamTypeStdout, "[2026/01/14 12:05:00   INFO] Player connected: Carol789\n"),
		frame(StreamTypeStdout, "[2026/01/14 12:06:00   INFO] Player disconnected: Carol789\n"),
		frame(StreamTypeStdout, "2026-01-14T12:07:00.25Z Dave0001 joined the game\n"),
	))
	sup, sink, tracker := newSupervisorForTest(t, rt, atomic.NewInt32(1))

	sup.Start()
	nextStream(t, rt)

	bob, found := tracker.Get("Bob456")
	require.True(t, found)
	assert.True(t, bob.Online)
	carol, found := tracker.Get("Carol789")
	require.True(t, found)
	assert.False(t, carol.Online)
	assert.EqualValues(t, 60, carol.PlayTimeSeconds)
	dave, found := tracker.Get("Dave0001")
	require.True(t, found)
	assert.True(t, dave.Online)
	assert.Equal(t, time.Date(2026, 1, 14, 12, 7, 0, 250000000, time.UTC), dave.FirstSeen)
	assert.EqualValues(t, 1, rt.stampedCalls.Load())
	assert.Zero(t, rt.backlogCalls.Load())

	// Replayed history updates the roster without being announced as live events.
	assert.Zero(t, sink.eventCount())
}
