package server

import "regexp"

type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LevelPattern tags lines matching Pattern with Level.
type LevelPattern struct {
	Pattern *regexp.Regexp
	Level   LogLevel
}

// LevelPatternsVersion is bumped whenever the ordering or content of DefaultLevelPatterns changes.
const LevelPatternsVersion = 2

// DefaultLevelPatterns is evaluated top to bottom and the first match wins. The game server's own
// "[YYYY/MM/DD HH:MM:SS   LEVEL]" prefix is authoritative and checked first, then the generic "[LEVEL]", "LEVEL:" and
// "[thread/LEVEL]" styles, then stack trace continuation lines.
var DefaultLevelPatterns = []LevelPattern{
	{regexp.MustCompile(`^\[\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?\s+(?:SEVERE|ERROR|FATAL)\]`), LogLevelError},
	{regexp.MustCompile(`^\[\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?\s+(?:WARN|WARNING)\]`), LogLevelWarn},
	{regexp.MustCompile(`^\[\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?\s+(?:DEBUG|TRACE|FINE|FINER|FINEST)\]`), LogLevelDebug},
	{regexp.MustCompile(`^\[\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?\s+(?:INFO|CONFIG)\]`), LogLevelInfo},

	{regexp.MustCompile(`(?i)(?:\[|/|\s)(?:ERROR|SEVERE|FATAL)\]|\b(?:ERROR|SEVERE|FATAL):`), LogLevelError},
	{regexp.MustCompile(`(?i)(?:\[|/|\s)(?:WARN|WARNING)\]|\b(?:WARN|WARNING):`), LogLevelWarn},
	{regexp.MustCompile(`(?i)(?:\[|/|\s)(?:DEBUG|TRACE)\]|\b(?:DEBUG|TRACE):`), LogLevelDebug},
	{regexp.MustCompile(`(?i)(?:\[|/|\s)INFO\]|\bINFO:`), LogLevelInfo},

	{regexp.MustCompile(`^\s*at\s+[\w$.<>/]+\(|^Caused by:\s|^(?:[\w$]+\.)+[\w$]*(?:Exception|Error)(?::|$)`), LogLevelError},
}

var (
	// [2026/01/14 12:41:18   INFO] message
	serverTimestampPattern = regexp.MustCompile(`^\[(\d{4})/(\d{2})/(\d{2}) (\d{2}:\d{2}:\d{2})(?:\.\d+)?\s+[A-Za-z]+\]\s?(.*)$`)
	// 2026-01-14T12:41:18.123456789Z message
	isoTimestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})(?:[.,]\d+)?Z?\s*(.*)$`)
)
