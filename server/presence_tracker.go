package server

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

const (
	presenceFingerprintWindow = 4096
	// A second join line for a session opened this recently belongs to the same login.
	presenceRejoinWindow = 5 * time.Second
)

// PresenceEntry is the per-player roster record. CurrentSessionStart is set only while Online.
type PresenceEntry struct {
	Name                string     `json:"name"`
	Online              bool       `json:"online"`
	UUID                string     `json:"uuid,omitempty"`
	IP                  string     `json:"ip,omitempty"`
	World               string     `json:"world,omitempty"`
	Country             string     `json:"country,omitempty"`
	FirstSeen           time.Time  `json:"firstSeen"`
	LastSeen            time.Time  `json:"lastSeen"`
	CurrentSessionStart *time.Time `json:"currentSessionStart,omitempty"`
	PlayTimeSeconds     int64      `json:"playTimeSeconds"`
	SessionCount        int        `json:"sessionCount"`
}

func (e *PresenceEntry) clone() *PresenceEntry {
	c := *e
	if e.CurrentSessionStart != nil {
		start := *e.CurrentSessionStart
		c.CurrentSessionStart = &start
	}
	return &c
}

// PresenceEvent is broadcast to subscribers as a player_event message.
type PresenceEvent struct {
	Event     PresenceEventType `json:"event"`
	Player    string            `json:"player"`
	Timestamp string            `json:"timestamp"`
}

type GeoResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// PresenceTracker rebuilds the player roster from console output. It is an approximation: it only knows what the
// lines it has seen say, so a leave that scrolled out of the replayed history leaves the player marked online until a
// later leave line repairs the entry.
type PresenceTracker struct {
	sync.Mutex
	ctx         context.Context
	ctxCancelFn context.CancelFunc

	logger   *zap.Logger
	metrics  Metrics
	store    *PresenceStore
	geo      GeoResolver
	location *time.Location
	now      func() time.Time

	patterns   []PresencePattern
	enrichment []EnrichmentPattern
	minNameLen int

	entries map[string]*PresenceEntry
	// Facts seen for players who have not joined yet, consumed by their join.
	pendingFacts map[string]playerFacts

	fingerprints     map[uint64]struct{}
	fingerprintRing  []uint64
	fingerprintIndex int
}

func NewPresenceTracker(logger *zap.Logger, metrics Metrics, config Config, store *PresenceStore, geo GeoResolver) *PresenceTracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	location, err := time.LoadLocation(config.GetPresence().LogTimezone)
	if err != nil {
		location = time.UTC
	}

	return &PresenceTracker{
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		logger:   logger.With(zap.String("component", "presence")),
		metrics:  metrics,
		store:    store,
		geo:      geo,
		location: location,
		now:      time.Now,

		patterns:   DefaultPresencePatterns,
		enrichment: DefaultEnrichmentPatterns,
		minNameLen: config.GetPresence().MinNameLen,

		entries:      make(map[string]*PresenceEntry),
		pendingFacts: make(map[string]playerFacts),

		fingerprints:    make(map[uint64]struct{}, presenceFingerprintWindow),
		fingerprintRing: make([]uint64, presenceFingerprintWindow),
	}
}

// Restore seeds the roster from a persisted snapshot and starts the store writer.
func (t *PresenceTracker) Restore(entries []*PresenceEntry) {
	t.Lock()
	for _, e := range entries {
		if !ValidPlayerName(e.Name, t.minNameLen) {
			continue
		}
		e = e.clone()
		if e.Online && e.CurrentSessionStart == nil {
			start := e.LastSeen
			e.CurrentSessionStart = &start
		}
		if !e.Online {
			e.CurrentSessionStart = nil
		}
		if e.PlayTimeSeconds < 0 {
			e.PlayTimeSeconds = 0
		}
		if e.SessionCount < 1 {
			e.SessionCount = 1
		}
		t.entries[e.Name] = e
	}
	online := t.onlineCountLocked()
	t.Unlock()

	t.metrics.GaugePlayersOnline(float64(online))
	if t.store != nil {
		t.store.Start(t.snapshot)
	}
}

// Stop cancels background lookups and flushes the roster one last time.
func (t *PresenceTracker) Stop() {
	t.ctxCancelFn()
	if t.store != nil {
		t.store.Stop()
	}
}

// Process applies a live console line. Event time is the wall clock.
func (t *PresenceTracker) Process(entry *LogEntry) *PresenceEvent {
	if entry == nil {
		return nil
	}
	var fp uint64
	if entry.HasEmbeddedTimestamp() {
		fp = murmur3.Sum64([]byte(entry.Raw))
	}
	return t.apply(entry, t.now(), false, fp)
}

// Replay applies historical lines, oldest first, and returns the events they produced. Lines with a time of their own
// are applied at that time and skipped when older than the player's last known activity. Lines without one are
// applied in order at the current time. Every replayed line is remembered so that overlapping history replayed again
// later is not counted twice.
func (t *PresenceTracker) Replay(entries []*LogEntry) []*PresenceEvent {
	events := make([]*PresenceEvent, 0)
	occurrences := make(map[string]int)
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		var at time.Time
		var fp uint64
		if entry.HasTime() {
			var ok bool
			if at, ok = entry.Time(t.location); !ok {
				continue
			}
			fp = murmur3.Sum64([]byte(entry.Raw))
		} else {
			// Identical untimed lines are told apart by their position among the batch's repeats.
			n := occurrences[entry.Raw]
			occurrences[entry.Raw] = n + 1
			at = t.now()
			fp = murmur3.Sum64([]byte(entry.Raw + "\x00" + strconv.Itoa(n)))
		}
		if ev := t.apply(entry, at, true, fp); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// apply updates the roster from one line. A non-zero fingerprint is recorded for matched lines. Replayed lines whose
// fingerprint was already recorded are ignored.
func (t *PresenceTracker) apply(entry *LogEntry, at time.Time, replay bool, fp uint64) *PresenceEvent {
	facts := extractFacts(t.enrichment, entry.Message)
	event, name, matched := matchPresence(t.patterns, entry.Message)
	if !matched && len(facts) == 0 {
		return nil
	}
	if matched && !ValidPlayerName(name, t.minNameLen) {
		t.logger.Debug("Ignoring presence line with rejected name", zap.String("name", name))
		matched = false
	}

	t.Lock()

	if matched && fp != 0 {
		if !t.rememberLocked(fp) && replay {
			t.Unlock()
			return nil
		}
	}

	changed, newIP := t.enrichLocked(facts)

	var ev *PresenceEvent
	if matched {
		switch event {
		case PresenceJoin:
			if t.joinLocked(name, at, replay) {
				ev = &PresenceEvent{Event: PresenceJoin, Player: name, Timestamp: at.UTC().Format(time.RFC3339)}
			}
		case PresenceLeave:
			if t.leaveLocked(name, at, replay) {
				ev = &PresenceEvent{Event: PresenceLeave, Player: name, Timestamp: at.UTC().Format(time.RFC3339)}
			}
		}
		if ev != nil {
			changed = true
			if e := t.entries[name]; e != nil && e.IP != "" && e.Country == "" {
				newIP = append(newIP, name)
			}
		}
	}
	online := t.onlineCountLocked()
	t.Unlock()

	if ev != nil {
		t.metrics.CountPresenceEvent(string(ev.Event))
		t.metrics.GaugePlayersOnline(float64(online))
	}
	if changed && t.store != nil {
		t.store.Schedule()
	}
	for _, player := range lo.Uniq(newIP) {
		t.resolveCountry(player)
	}
	return ev
}

func (t *PresenceTracker) joinLocked(name string, at time.Time, replay bool) bool {
	e, found := t.entries[name]
	if !found {
		e = &PresenceEntry{
			Name:      name,
			FirstSeen: at,
		}
		t.entries[name] = e
	} else {
		if replay && at.Before(e.LastSeen) {
			return false
		}
		if e.Online && e.CurrentSessionStart != nil {
			if at.Sub(*e.CurrentSessionStart) < presenceRejoinWindow {
				if at.After(e.LastSeen) {
					e.LastSeen = at
				}
				return false
			}
			// The leave for the previous session was never seen.
			e.PlayTimeSeconds += sessionSeconds(*e.CurrentSessionStart, at)
		}
	}

	start := at
	e.Online = true
	e.LastSeen = at
	e.CurrentSessionStart = &start
	e.SessionCount++

	if facts, ok := t.pendingFacts[name]; ok {
		applyFacts(e, facts)
		delete(t.pendingFacts, name)
	}
	return true
}

func (t *PresenceTracker) leaveLocked(name string, at time.Time, replay bool) bool {
	e, found := t.entries[name]
	if !found || !e.Online {
		return false
	}
	if replay && at.Before(e.LastSeen) {
		return false
	}
	if e.CurrentSessionStart != nil {
		e.PlayTimeSeconds += sessionSeconds(*e.CurrentSessionStart, at)
	}
	e.Online = false
	e.CurrentSessionStart = nil
	e.LastSeen = at
	return true
}

// enrichLocked applies facts to known players and parks the rest until the player joins. It returns whether the roster
// changed and which players learned a new IP.
func (t *PresenceTracker) enrichLocked(facts map[string]playerFacts) (bool, []string) {
	var changed bool
	var newIP []string
	for name, f := range facts {
		if !ValidPlayerName(name, t.minNameLen) {
			continue
		}
		e, found := t.entries[name]
		if !found {
			if len(t.pendingFacts) >= 64 {
				for k := range t.pendingFacts {
					delete(t.pendingFacts, k)
					break
				}
			}
			pending := t.pendingFacts[name]
			pending.merge(f)
			t.pendingFacts[name] = pending
			continue
		}
		before := *e
		applyFacts(e, f)
		if before.UUID != e.UUID || before.IP != e.IP || before.World != e.World {
			changed = true
		}
		if before.IP != e.IP {
			e.Country = ""
			newIP = append(newIP, name)
		}
	}
	return changed, newIP
}

func applyFacts(e *PresenceEntry, f playerFacts) {
	if f.UUID != "" {
		e.UUID = f.UUID
	}
	if f.IP != "" {
		e.IP = f.IP
	}
	if f.World != "" {
		e.World = f.World
	}
}

func (t *PresenceTracker) resolveCountry(name string) {
	if t.geo == nil {
		return
	}
	t.Lock()
	e, found := t.entries[name]
	if !found || e.IP == "" {
		t.Unlock()
		return
	}
	ip := e.IP
	t.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		defer cancel()
		country, err := t.geo.Country(ctx, ip)
		if err != nil {
			t.logger.Debug("Geo lookup failed", zap.String("player", name), zap.Error(err))
			return
		}
		if country == "" {
			return
		}
		t.Lock()
		e, found := t.entries[name]
		updated := found && e.IP == ip && e.Country != country
		if updated {
			e.Country = country
		}
		t.Unlock()
		if updated && t.store != nil {
			t.store.Schedule()
		}
	}()
}

// rememberLocked records a line fingerprint, returning false when it was already seen.
func (t *PresenceTracker) rememberLocked(fp uint64) bool {
	if _, seen := t.fingerprints[fp]; seen {
		return false
	}
	if old := t.fingerprintRing[t.fingerprintIndex]; old != 0 {
		delete(t.fingerprints, old)
	}
	t.fingerprintRing[t.fingerprintIndex] = fp
	t.fingerprintIndex = (t.fingerprintIndex + 1) % len(t.fingerprintRing)
	t.fingerprints[fp] = struct{}{}
	return true
}

func (t *PresenceTracker) onlineCountLocked() int {
	return lo.CountBy(lo.Values(t.entries), func(e *PresenceEntry) bool { return e.Online })
}

// Get returns a copy of the named entry.
func (t *PresenceTracker) Get(name string) (*PresenceEntry, bool) {
	t.Lock()
	defer t.Unlock()
	e, found := t.entries[name]
	if !found {
		return nil, false
	}
	return e.clone(), true
}

// List returns copies of all entries sorted by name.
func (t *PresenceTracker) List() []*PresenceEntry {
	t.Lock()
	out := lo.Map(lo.Values(t.entries), func(e *PresenceEntry, _ int) *PresenceEntry { return e.clone() })
	t.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Online returns copies of the entries currently marked online, sorted by name.
func (t *PresenceTracker) Online() []*PresenceEntry {
	return lo.Filter(t.List(), func(e *PresenceEntry, _ int) bool { return e.Online })
}

func (t *PresenceTracker) OnlineCount() int {
	t.Lock()
	defer t.Unlock()
	return t.onlineCountLocked()
}

func (t *PresenceTracker) snapshot() []*PresenceEntry {
	return t.List()
}

func sessionSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
