package server

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogParser() *LogParser {
	p := NewLogParser(0)
	p.now = func() time.Time { return time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC) }
	return p
}

func TestLogParser_ServerTimestamp(t *testing.T) {
	entry := newTestLogParser().Parse("[2026/01/14 12:41:18   INFO] Player logged in")
	require.NotNil(t, entry)
	assert.Equal(t, LogLevelInfo, entry.Level)
	assert.Equal(t, "2026-01-14T12:41:18", entry.Timestamp)
	assert.Equal(t, "Player logged in", entry.Message)
	assert.Equal(t, "[2026/01/14 12:41:18   INFO] Player logged in", entry.Raw)
	assert.True(t, entry.HasEmbeddedTimestamp())
}

func TestLogParser_BlankLines(t *testing.T) {
	p := newTestLogParser()
	assert.Nil(t, p.Parse(""))
	assert.Nil(t, p.Parse("   \t  "))
	assert.Nil(t, p.Parse("\r"))
}

func TestLogParser_Levels(t *testing.T) {
	tests := []struct {
		line  string
		level LogLevel
	}{
		{"[2026/01/14 12:41:18  SEVERE] World save failed", LogLevelError},
		{"[2026/01/14 12:41:18   WARN] Can't keep up!", LogLevelWarn},
		{"[2026/01/14 12:41:18   FINE] Tick took 3ms", LogLevelDebug},
		{"[2026/01/14 12:41:18   INFO] [ERROR] quoted generic tag", LogLevelInfo},
		{"[ERROR] Could not bind port", LogLevelError},
		{"WARNING: Using default settings", LogLevelWarn},
		{"[18:36:38] [Server thread/WARN]: Failed to load user banlist:", LogLevelWarn},
		{"[18:02:07] [ServerMain/INFO]: Environment ready", LogLevelInfo},
		{"[DEBUG] handshake", LogLevelDebug},
		{"java.io.FileNotFoundException: banned-players.json (No such file or directory)", LogLevelError},
		{"\tat java.base/java.io.FileInputStream.open0(Native Method) ~[?:?]", LogLevelError},
		{"Unpacking 1.21.4/server-1.21.4.jar", LogLevelInfo},
	}

	p := newTestLogParser()
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			entry := p.Parse(tt.line)
			require.NotNil(t, entry)
			assert.Equal(t, tt.level, entry.Level)
		})
	}
}

func TestLogParser_ISOTimestamp(t *testing.T) {
	entry := newTestLogParser().Parse("2026-01-14T12:41:18.123456789Z   Server started")
	require.NotNil(t, entry)
	assert.Equal(t, "2026-01-14T12:41:18", entry.Timestamp)
	assert.Equal(t, "Server started", entry.Message)
	assert.True(t, entry.HasEmbeddedTimestamp())
}

func TestLogParser_FallbackTimestamp(t *testing.T) {
	entry := newTestLogParser().Parse("  Done (16.414s)! For help, type \"help\"  ")
	require.NotNil(t, entry)
	assert.Equal(t, LogLevelInfo, entry.Level)
	assert.Equal(t, "2026-03-02T08:15:00", entry.Timestamp)
	assert.Equal(t, `Done (16.414s)! For help, type "help"`, entry.Message)
	assert.Equal(t, entry.Message, entry.Raw)
	assert.False(t, entry.HasEmbeddedTimestamp())
}

func TestLogParser_StampedLines(t *testing.T) {
	entries := newTestLogParser().ParseStampedLines([]string{
		"2026-01-14T12:00:00.000000001Z [12:00:00] [Server thread/INFO]: Bob456 joined the game",
		"2026-01-14T12:00:05.5Z [2026/01/14 11:59:00   INFO] Player connected: Carol789",
		"no runtime stamp",
		"2026-01-14T12:00:06Z ",
	})
	require.Len(t, entries, 3)

	at, ok := entries[0].Time(time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 14, 12, 0, 0, 1, time.UTC), at)
	assert.Equal(t, "2026-01-14T12:00:00", entries[0].Timestamp)
	assert.Equal(t, "[12:00:00] [Server thread/INFO]: Bob456 joined the game", entries[0].Message)
	assert.True(t, entries[0].HasTime())
	assert.False(t, entries[0].HasEmbeddedTimestamp())

	// The line's own timestamp wins over the runtime's.
	assert.Equal(t, "2026-01-14T11:59:00", entries[1].Timestamp)
	assert.Equal(t, "[2026/01/14 11:59:00   INFO] Player connected: Carol789", entries[1].Raw)

	assert.False(t, entries[2].HasTime())
	assert.Equal(t, "no runtime stamp", entries[2].Raw)
}

func TestLogParser_Truncation(t *testing.T) {
	p := NewLogParser(16)
	entry := p.Parse(strings.Repeat("x", 64))
	require.NotNil(t, entry)
	assert.LessOrEqual(t, len([]rune(entry.Message)), 16)
	assert.True(t, strings.HasSuffix(entry.Message, "…"))
	assert.Len(t, entry.Raw, 64)
}

func TestLogParser_CustomPatterns(t *testing.T) {
	p := newTestLogParser().WithLevelPatterns([]LevelPattern{
		{regexp.MustCompile(`panic`), LogLevelError},
	})
	assert.Equal(t, LogLevelError, p.Parse("goroutine panic").Level)
	assert.Equal(t, LogLevelInfo, p.Parse("[ERROR] not in the custom table").Level)
}

func TestLogEntry_Time(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	entry := newTestLogParser().Parse("[2026/01/14 12:41:18   INFO] x")
	ts, ok := entry.Time(loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 14, 10, 41, 18, 0, time.UTC), ts.UTC())

	fallback := newTestLogParser().Parse("no timestamp")
	ts, ok = fallback.Time(loc)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC), ts)
}

func TestLogParser_ParseLines(t *testing.T) {
	entries := newTestLogParser().ParseLines([]string{"a", " ", "b"})
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Message)
	assert.Equal(t, "b", entries[1].Message)
}
