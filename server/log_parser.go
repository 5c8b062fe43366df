package server

import (
	"strings"
	"time"

	"github.com/muesli/reflow/truncate"
)

const logTimestampLayout = "2006-01-02T15:04:05"

// LogEntry is a parsed console line. It is broadcast to subscribers and never persisted.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
	Raw       string   `json:"-"`

	// Set when the timestamp came from the line itself rather than the wall clock.
	embeddedTimestamp bool
	// Time the runtime recorded the line, for history fetched with runtime timestamps.
	receivedAt time.Time
}

// HasEmbeddedTimestamp reports whether the timestamp was read from the line.
func (e *LogEntry) HasEmbeddedTimestamp() bool {
	return e.embeddedTimestamp
}

type LogParser struct {
	levels        []LevelPattern
	maxLineLength int
	now           func() time.Time
}

func NewLogParser(maxLineLength int) *LogParser {
	return &LogParser{
		levels:        DefaultLevelPatterns,
		maxLineLength: maxLineLength,
		now:           time.Now,
	}
}

// WithLevelPatterns returns a parser that uses patterns instead of DefaultLevelPatterns.
func (p *LogParser) WithLevelPatterns(patterns []LevelPattern) *LogParser {
	c := *p
	c.levels = patterns
	return &c
}

// Parse converts a raw console line into a LogEntry. Blank lines return nil. A line that matches no known level or
// timestamp format is still returned, at INFO level and stamped with the current time.
func (p *LogParser) Parse(line string) *LogEntry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	entry := &LogEntry{
		Level: p.detectLevel(trimmed),
		Raw:   trimmed,
	}

	if m := serverTimestampPattern.FindStringSubmatch(trimmed); m != nil {
		entry.Timestamp = m[1] + "-" + m[2] + "-" + m[3] + "T" + m[4]
		entry.Message = strings.TrimSpace(m[5])
		entry.embeddedTimestamp = true
	} else if m := isoTimestampPattern.FindStringSubmatch(trimmed); m != nil {
		entry.Timestamp = m[1]
		entry.Message = strings.TrimSpace(m[2])
		entry.embeddedTimestamp = true
	} else {
		entry.Timestamp = p.now().UTC().Format(logTimestampLayout)
		entry.Message = trimmed
	}

	if p.maxLineLength > 0 && len(entry.Message) > p.maxLineLength {
		entry.Message = truncate.StringWithTail(entry.Message, uint(p.maxLineLength), "…")
	}

	return entry
}

func (p *LogParser) detectLevel(line string) LogLevel {
	for _, lp := range p.levels {
		if lp.Pattern.MatchString(line) {
			return lp.Level
		}
	}
	return LogLevelInfo
}

// ParseLines parses a batch of lines, dropping blank ones.
func (p *LogParser) ParseLines(lines []string) []*LogEntry {
	entries := make([]*LogEntry, 0, len(lines))
	for _, line := range lines {
		if entry := p.Parse(line); entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// ParseStampedLines parses history whose lines carry a leading runtime timestamp. A line without its own timestamp
// takes the runtime's, and keeps the stamp in Raw so repeated identical lines stay distinct.
func (p *LogParser) ParseStampedLines(lines []string) []*LogEntry {
	entries := make([]*LogEntry, 0, len(lines))
	for _, line := range lines {
		receivedAt, rest, stamped := splitRuntimeTimestamp(line)
		entry := p.Parse(rest)
		if entry == nil {
			continue
		}
		if stamped && !entry.embeddedTimestamp {
			entry.receivedAt = receivedAt
			entry.Timestamp = receivedAt.UTC().Format(logTimestampLayout)
			entry.Raw = strings.TrimSpace(line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func splitRuntimeTimestamp(line string) (time.Time, string, bool) {
	head, rest, found := strings.Cut(line, " ")
	if !found {
		return time.Time{}, line, false
	}
	at, err := time.Parse(time.RFC3339Nano, head)
	if err != nil {
		return time.Time{}, line, false
	}
	return at, rest, true
}

// HasTime reports whether the entry time came from the line or the runtime rather than the wall clock.
func (e *LogEntry) HasTime() bool {
	return e.embeddedTimestamp || !e.receivedAt.IsZero()
}

// Time resolves the entry timestamp in loc. Entries stamped from the wall clock were formatted in UTC.
func (e *LogEntry) Time(loc *time.Location) (time.Time, bool) {
	if !e.receivedAt.IsZero() {
		return e.receivedAt, true
	}
	if !e.embeddedTimestamp {
		t, err := time.ParseInLocation(logTimestampLayout, e.Timestamp, time.UTC)
		return t, err == nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(logTimestampLayout, e.Timestamp, loc)
	return t, err == nil
}
