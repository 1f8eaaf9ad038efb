package skylink

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
)

// Status is the agent's overall state as shown to the user.
type Status string

const (
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	// StatusWaiting means the game closed and no commander is active.
	StatusWaiting Status = "Waiting"
	StatusError   Status = "Error"
	StatusStopped Status = "Stopped"
)

// StatusReport is one status value with its human-readable detail.
type StatusReport struct {
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// StatusTracker holds the current status and fans changes out to the
// presentation surfaces (HTTP, MQTT, console).
type StatusTracker struct {
	mu      sync.RWMutex
	current StatusReport

	listenersMu sync.Mutex
	listeners   []func(StatusReport)
}

// NewStatusTracker starts in StatusStarting.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{current: StatusReport{Status: StatusStarting, Since: time.Now()}}
}

// Set records a status. Listeners fire only when status or message changed.
func (s *StatusTracker) Set(status Status, message string) {
	s.mu.Lock()
	if s.current.Status == status && s.current.Message == message {
		s.mu.Unlock()
		return
	}
	report := StatusReport{Status: status, Message: message, Since: time.Now()}
	s.current = report
	s.mu.Unlock()

	logrus.WithField("status", status).Debugf("status: %s", message)

	s.listenersMu.Lock()
	listeners := append([]func(StatusReport){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(report)
	}
}

// Current returns the latest report.
func (s *StatusTracker) Current() StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a listener called outside the tracker's lock.
func (s *StatusTracker) OnChange(listener func(StatusReport)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// IdentityStatus is one commander as seen by the status surfaces.
type IdentityStatus struct {
	Name       types.Identity `json:"name"`
	Active     bool           `json:"active"`
	Heartbeat  HeartbeatState `json:"heartbeat"`
	AuthFailed bool           `json:"auth_failed"`
}

// AgentStatus is everything the HTTP server, the MQTT publisher and the
// console table show.
type AgentStatus struct {
	StatusReport
	Commander   types.Identity   `json:"commander,omitempty"`
	StarSystem  string           `json:"star_system,omitempty"`
	GameRunning bool             `json:"game_running"`
	Identities  []IdentityStatus `json:"identities"`
	Dispatch    DispatchStats    `json:"dispatch"`
}
