package skylink

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
)

// identityEvents announce which commander the journal belongs to.
var identityEvents = map[types.EventType]bool{
	"Commander": true,
	"LoadGame":  true,
}

// locationEvents carry the current star system and coordinates.
var locationEvents = map[types.EventType]bool{
	"FSDJump":     true,
	"Location":    true,
	"CarrierJump": true,
}

// SessionSnapshot is a point-in-time copy of SessionState.
type SessionSnapshot struct {
	Identity    types.Identity
	Credential  string
	GameVersion string
	GameBuild   string
	StarSystem  string
	StarPos     *[3]float64
	Horizons    bool
	Odyssey     bool
	Taxi        bool
	Multicrew   bool
}

// SessionState is the process-wide record of the active commander and the
// world state derived from the journal. The watcher writes identity and
// world state; the dispatcher writes the credential when it resolves one
// from disk. Everything else only reads snapshots.
type SessionState struct {
	mu    sync.RWMutex
	state SessionSnapshot
}

// NewSessionState returns an empty session.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// Snapshot returns a copy of the session.
func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.state
	if s.state.StarPos != nil {
		pos := *s.state.StarPos
		snapshot.StarPos = &pos
	}
	return snapshot
}

// Identity returns the active commander name.
func (s *SessionState) Identity() types.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Identity
}

// Credential returns the cached credential for the active commander.
func (s *SessionState) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Credential
}

// SwitchIdentity makes name the active commander. When the name is
// unchanged nothing happens and false is returned. Otherwise the
// credential is looked up in accounts (case-insensitive); a missing
// credential is logged and left empty.
func (s *SessionState) SwitchIdentity(name types.Identity, accounts *AccountRegistry) bool {
	if name.IsZero() {
		return false
	}

	s.mu.RLock()
	unchanged := s.state.Identity == name
	s.mu.RUnlock()
	if unchanged {
		return false
	}

	var credential string
	if accounts != nil {
		credential, _ = accounts.Lookup(name)
	}

	s.mu.Lock()
	s.state.Identity = name
	s.state.Credential = credential
	s.mu.Unlock()

	if credential != "" {
		logrus.Infof("🚀 switched session to commander %s", name)
	} else {
		logrus.Warnf("🚨 no credential found for commander %s, private telemetry is paused for this commander", name)
	}
	return true
}

// SetCredential caches credential for name if name is still the active
// commander. Used after the dispatcher reloads the account registry.
func (s *SessionState) SetCredential(name types.Identity, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Identity.EqualFold(name) {
		s.state.Credential = credential
	}
}

// ObserveIdentity switches the session when event announces a commander.
// Returns true when the active identity changed.
func (s *SessionState) ObserveIdentity(event *RawEvent, accounts *AccountRegistry) bool {
	if !identityEvents[event.Type()] {
		return false
	}
	name := event.String("Name")
	if name == "" {
		name = event.String("Commander")
	}
	return s.SwitchIdentity(types.Identity(name), accounts)
}

// ObserveWorldState copies whatever world-state fields event carries into
// the session.
func (s *SessionState) ObserveWorldState(event *RawEvent) {
	eventType := event.Type()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch eventType {
	case "Fileheader", "LoadGame":
		if version := event.String("gameversion"); version != "" {
			s.state.GameVersion = version
		}
		if build := event.String("build"); build != "" {
			s.state.GameBuild = build
		}
	}

	if eventType == "LoadGame" {
		if horizons, ok := event.Bool("Horizons"); ok {
			s.state.Horizons = horizons
		}
		if odyssey, ok := event.Bool("Odyssey"); ok {
			s.state.Odyssey = odyssey
		}
	}

	if locationEvents[eventType] {
		if system := event.String("StarSystem"); system != "" {
			s.state.StarSystem = system
		}
		if raw, ok := event.Get("StarPos"); ok {
			if pos, ok := CoordinateTriple(raw); ok {
				s.state.StarPos = &pos
			}
		}
		if taxi, ok := event.Bool("Taxi"); ok {
			s.state.Taxi = taxi
		}
		if multicrew, ok := event.Bool("Multicrew"); ok {
			s.state.Multicrew = multicrew
		}
	}
}

// CoordinateTriple converts a decoded JSON value to exactly three finite
// numbers.
func CoordinateTriple(raw any) ([3]float64, bool) {
	var pos [3]float64
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return pos, false
	}
	for i, value := range values {
		number, ok := toFloat(value)
		if !ok {
			return pos, false
		}
		pos[i] = number
	}
	return pos, true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
