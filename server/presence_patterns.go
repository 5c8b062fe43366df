package server

import (
	"regexp"
	"strings"
)

type PresenceEventType string

const (
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresencePattern tags lines matching Pattern with Event. The player name is read from the "name" capture group.
type PresencePattern struct {
	Pattern *regexp.Regexp
	Event   PresenceEventType
}

// EnrichmentPattern extracts side facts about a player from a line. The "name" group identifies the player and any of
// the "uuid", "ip" and "world" groups carry the value.
type EnrichmentPattern struct {
	Pattern *regexp.Regexp
}

// PresencePatternsVersion is bumped whenever the ordering or content of DefaultPresencePatterns changes.
const PresencePatternsVersion = 3

// DefaultPresencePatterns is evaluated top to bottom, joins before leaves, server specific formats before the generic
// fallbacks. The first match decides the line even when its captured name is later rejected.
var DefaultPresencePatterns = []PresencePattern{
	{regexp.MustCompile(`Adding player '(?P<name>[^'\s]+)'`), PresenceJoin},
	{regexp.MustCompile(`Player connected: (?P<name>[^\s'",:()\[\]]+)`), PresenceJoin},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+)\[/[^\]]+\] logged in with entity id`), PresenceJoin},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+) joined the game`), PresenceJoin},

	{regexp.MustCompile(`Removing player '(?P<name>[^'\s]+)'`), PresenceLeave},
	{regexp.MustCompile(`Player disconnected: (?P<name>[^\s'",:()\[\]]+)`), PresenceLeave},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+) lost connection:`), PresenceLeave},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+) left the game`), PresenceLeave},

	{regexp.MustCompile(`(?i)\bplayer\s+'?(?P<name>[^\s'",:()\[\]]+)'?\s+(?:has\s+)?(?:joined|connected)\b`), PresenceJoin},
	{regexp.MustCompile(`(?i)\bplayer\s+'?(?P<name>[^\s'",:()\[\]]+)'?\s+(?:has\s+)?(?:left|disconnected)\b`), PresenceLeave},
}

var DefaultEnrichmentPatterns = []EnrichmentPattern{
	{regexp.MustCompile(`UUID of player (?P<name>[^\s'"]+) is (?P<uuid>[0-9a-fA-F]{8}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{4}-?[0-9a-fA-F]{12})`)},
	{regexp.MustCompile(`Adding player '(?P<name>[^'\s]+)' \((?P<uuid>[0-9a-fA-F-]{32,36})\)`)},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+)\[/(?P<ip>[0-9a-fA-F.:]+?):\d+\] logged in`)},
	{regexp.MustCompile(`Player connected: (?P<name>[^\s'",:()\[\]]+) from (?P<ip>[0-9a-fA-F.:]+)`)},
	{regexp.MustCompile(`(?P<name>[^\s'",:()\[\]]+)\[/[^\]]+\] logged in with entity id \d+ at \(\[(?P<world>[^\]]+)\]`)},
	{regexp.MustCompile(`(?i)player '?(?P<name>[^\s'",:()\[\]]+)'? (?:joined|entered|moved to) world '?(?P<world>[^\s'"]+)'?`)},
}

var (
	playerNameShape = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	reservedPlayerNames = map[string]struct{}{
		"client":    {},
		"server":    {},
		"system":    {},
		"admin":     {},
		"console":   {},
		"player":    {},
		"players":   {},
		"unknown":   {},
		"null":      {},
		"undefined": {},
		"world":     {},
		"universe":  {},
		"the":       {},
		"someone":   {},
		"rcon":      {},
	}
)

// ValidPlayerName reports whether name may key a presence entry.
func ValidPlayerName(name string, minLen int) bool {
	if len(name) < minLen {
		return false
	}
	if _, reserved := reservedPlayerNames[strings.ToLower(name)]; reserved {
		return false
	}
	return playerNameShape.MatchString(name)
}

type playerFacts struct {
	UUID  string
	IP    string
	World string
}

func (f playerFacts) empty() bool {
	return f.UUID == "" && f.IP == "" && f.World == ""
}

func (f *playerFacts) merge(o playerFacts) {
	if o.UUID != "" {
		f.UUID = o.UUID
	}
	if o.IP != "" {
		f.IP = o.IP
	}
	if o.World != "" {
		f.World = o.World
	}
}

// matchPresence returns the first pattern hit for message and the name it captured.
func matchPresence(patterns []PresencePattern, message string) (PresenceEventType, string, bool) {
	for _, p := range patterns {
		m := p.Pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		idx := p.Pattern.SubexpIndex("name")
		if idx < 0 {
			return p.Event, "", true
		}
		return p.Event, m[idx], true
	}
	return "", "", false
}

// extractFacts collects every fact the enrichment patterns find in message, keyed by player name.
func extractFacts(patterns []EnrichmentPattern, message string) map[string]playerFacts {
	var out map[string]playerFacts
	for _, p := range patterns {
		m := p.Pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		nameIdx := p.Pattern.SubexpIndex("name")
		if nameIdx < 0 || m[nameIdx] == "" {
			continue
		}
		var f playerFacts
		if i := p.Pattern.SubexpIndex("uuid"); i >= 0 {
			f.UUID = strings.ToLower(m[i])
		}
		if i := p.Pattern.SubexpIndex("ip"); i >= 0 {
			f.IP = m[i]
		}
		if i := p.Pattern.SubexpIndex("world"); i >= 0 {
			f.World = m[i]
		}
		if f.empty() {
			continue
		}
		if out == nil {
			out = make(map[string]playerFacts, 1)
		}
		existing := out[m[nameIdx]]
		existing.merge(f)
		out[m[nameIdx]] = existing
	}
	return out
}
