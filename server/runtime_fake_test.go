package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var _ ContainerRuntime = (*fakeRuntime)(nil)

type fakeRuntime struct {
	sync.Mutex

	backlog      []byte
	backlogErr   error
	backlogCalls *atomic.Int32
	stampedCalls *atomic.Int32

	streamErr   error
	streamCalls *atomic.Int32
	streams     chan *fakeStream

	attachErr   error
	attachCalls int
	inputs      []*fakeInput
	writeErr    error
	writeDelay  time.Duration

	execFragments []string
	execCode      int
	execFinished  bool
	execErr       error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		backlogCalls: atomic.NewInt32(0),
		stampedCalls: atomic.NewInt32(0),
		streamCalls:  atomic.NewInt32(0),
		streams:      make(chan *fakeStream, 16),
		execFinished: true,
	}
}

func (r *fakeRuntime) setBacklog(b []byte) {
	r.Lock()
	r.backlog = b
	r.Unlock()
}

func (r *fakeRuntime) RecentOutput(ctx context.Context, tailLines int, timestamps bool) ([]byte, error) {
	if timestamps {
		r.stampedCalls.Inc()
	} else {
		r.backlogCalls.Inc()
	}
	r.Lock()
	defer r.Unlock()
	if r.backlogErr != nil {
		return nil, r.backlogErr
	}
	return append([]byte(nil), r.backlog...), nil
}

func (r *fakeRuntime) StreamOutput(ctx context.Context) (io.ReadCloser, error) {
	r.streamCalls.Inc()
	r.Lock()
	err := r.streamErr
	r.Unlock()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	s := &fakeStream{pr: pr, pw: pw, done: make(chan struct{}), closed: atomic.NewBool(false)}
	go func() {
		select {
		case <-ctx.Done():
			s.closed.Store(true)
			pw.CloseWithError(ctx.Err())
		case <-s.done:
		}
	}()
	r.streams <- s
	return s, nil
}

func (r *fakeRuntime) AttachInput(ctx context.Context) (io.WriteCloser, error) {
	r.Lock()
	defer r.Unlock()
	r.attachCalls++
	if r.attachErr != nil {
		return nil, r.attachErr
	}
	in := &fakeInput{failWith: r.writeErr, delay: r.writeDelay, inFlight: atomic.NewInt32(0), maxInFlight: atomic.NewInt32(0)}
	r.inputs = append(r.inputs, in)
	return in, nil
}

func (r *fakeRuntime) ExecOneShot(ctx context.Context, shellFragment string, wait time.Duration) (int, bool, error) {
	r.Lock()
	defer r.Unlock()
	r.execFragments = append(r.execFragments, shellFragment)
	return r.execCode, r.execFinished, r.execErr
}

type fakeStream struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
	once   sync.Once
	closed *atomic.Bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.done) })
	return s.pr.Close()
}

// Emit blocks until the reader has consumed b.
func (s *fakeStream) Emit(b []byte) error {
	_, err := s.pw.Write(b)
	return err
}

// End finishes the stream as if the container stopped.
func (s *fakeStream) End() {
	s.pw.Close()
}

func (s *fakeStream) Fail() {
	s.pw.CloseWithError(errors.New("connection reset by peer"))
}

type fakeInput struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	writes      []string
	failWith    error
	delay       time.Duration
	closed      bool
	inFlight    *atomic.Int32
	maxInFlight *atomic.Int32
}

func (in *fakeInput) Write(p []byte) (int, error) {
	n := in.inFlight.Inc()
	defer in.inFlight.Dec()
	for {
		m := in.maxInFlight.Load()
		if n <= m || in.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if in.delay > 0 {
		time.Sleep(in.delay)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.failWith != nil {
		return 0, in.failWith
	}
	in.writes = append(in.writes, string(p))
	return in.buf.Write(p)
}

func (in *fakeInput) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

func (in *fakeInput) Writes() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.writes...)
}
