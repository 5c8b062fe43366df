package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func samplePresence() []*PresenceEntry {
	start := time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)
	return []*PresenceEntry{
		{
			Name:                "Alice123",
			Online:              true,
			UUID:                "0f8fad5b-d9cb-469f-a165-70867728950e",
			IP:                  "203.0.113.7",
			World:               "world",
			Country:             "NZ",
			FirstSeen:           start.Add(-48 * time.Hour),
			LastSeen:            start,
			CurrentSessionStart: &start,
			PlayTimeSeconds:     7200,
			SessionCount:        4,
		},
		{
			Name:            "Bob456",
			FirstSeen:       start.Add(-time.Hour),
			LastSeen:        start.Add(-30 * time.Minute),
			PlayTimeSeconds: 1800,
			SessionCount:    1,
		},
	}
}

func TestPresenceStore_LoadMissingFile(t *testing.T) {
	store := NewPresenceStore(loggerForTest(t), nil, filepath.Join(t.TempDir(), "absent.json"))
	players, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, players)
}

func TestPresenceStore_RoundTrip(t *testing.T) {
	for _, name := range []string{"presence.json", "presence.json.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			store := NewPresenceStore(loggerForTest(t), nil, path)
			want := samplePresence()
			store.Start(func() []*PresenceEntry { return want })
			store.Stop()

			got, err := NewPresenceStore(loggerForTest(t), nil, path).Load()
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("presence mismatch (-want +got):\n%s", diff)
			}

			matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestPresenceStore_SchedulesCoalesce(t *testing.T) {
	store := NewPresenceStore(loggerForTest(t), nil, filepath.Join(t.TempDir(), "presence.json"))
	calls := atomic.NewInt32(0)

	// Requests made before the writer runs collapse into one pending save.
	for i := 0; i < 10; i++ {
		store.Schedule()
	}
	store.Start(func() []*PresenceEntry {
		calls.Inc()
		return samplePresence()
	})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	store.Stop()
	assert.EqualValues(t, 2, calls.Load())
	store.Stop()
	assert.EqualValues(t, 2, calls.Load())
}

func TestPresenceStore_WriteFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	store := NewPresenceStore(loggerForTest(t), nil, filepath.Join(blocker, "presence.json"))
	store.Start(samplePresence)
	assert.Error(t, store.Flush())
	store.Stop()
}

func TestPresenceStore_LoadCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewPresenceStore(loggerForTest(t), nil, path).Load()
	assert.Error(t, err)
}
