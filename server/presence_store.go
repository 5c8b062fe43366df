package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const presenceStoreVersion = 1

type presenceDocument struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Players   []*PresenceEntry `json:"players"`
}

// PresenceStore persists the roster as one JSON document, rewritten whole on every save. Saves are requested with
// Schedule and performed by a single writer goroutine; requests that arrive while a save is pending collapse into it,
// and the writer always snapshots the latest state when it runs.
type PresenceStore struct {
	logger  *zap.Logger
	metrics Metrics
	path    string

	pending chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	snapshotMu sync.Mutex
	snapshot   func() []*PresenceEntry

	started   *atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPresenceStore(logger *zap.Logger, metrics Metrics, path string) *PresenceStore {
	return &PresenceStore{
		logger:  logger.With(zap.String("path", path)),
		metrics: metrics,
		path:    path,
		pending: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		started: atomic.NewBool(false),
	}
}

// Load reads the document once. A missing file is an empty roster.
func (s *PresenceStore) Load() ([]*PresenceEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if s.compressed() {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("presence store %s: %w", s.path, err)
		}
		defer gz.Close()
		r = gz
	}

	var doc presenceDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("presence store %s: %w", s.path, err)
	}

	players := make([]*PresenceEntry, 0, len(doc.Players))
	for _, p := range doc.Players {
		if p == nil || p.Name == "" {
			continue
		}
		players = append(players, p)
	}
	return players, nil
}

// Start launches the writer. snapshot is called from the writer goroutine and must be safe for concurrent use.
func (s *PresenceStore) Start(snapshot func() []*PresenceEntry) {
	s.snapshotMu.Lock()
	s.snapshot = snapshot
	s.snapshotMu.Unlock()
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

// Schedule requests a save without blocking.
func (s *PresenceStore) Schedule() {
	select {
	case s.pending <- struct{}{}:
	default:
		// A save is already pending and will pick up this change.
	}
}

func (s *PresenceStore) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.pending:
			if err := s.Flush(); err != nil {
				s.logger.Error("Failed to persist presence", zap.Error(err))
			}
		}
	}
}

// Stop terminates the writer and performs one final synchronous save.
func (s *PresenceStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
		if err := s.Flush(); err != nil {
			s.logger.Error("Failed to persist presence on shutdown", zap.Error(err))
		}
	})
}

// Flush writes the current snapshot immediately.
func (s *PresenceStore) Flush() error {
	s.snapshotMu.Lock()
	snapshot := s.snapshot
	s.snapshotMu.Unlock()
	if snapshot == nil {
		return nil
	}

	start := time.Now()
	err := s.write(snapshot())
	if s.metrics != nil {
		s.metrics.PresencePersist(time.Since(start), err != nil)
	}
	return err
}

func (s *PresenceStore) write(players []*PresenceEntry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	doc := presenceDocument{
		Version:   presenceStoreVersion,
		UpdatedAt: time.Now().UTC(),
		Players:   players,
	}

	var w io.Writer = tmp
	var gz *gzip.Writer
	if s.compressed() {
		gz = gzip.NewWriter(tmp)
		w = gz
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *PresenceStore) compressed() bool {
	return strings.HasSuffix(s.path, ".gz")
}
