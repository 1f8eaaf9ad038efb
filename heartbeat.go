package skylink

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
	"github.com/skylink-telemetry/skylink/utilities/clock"
)

// HeartbeatState is the last known liveness result for one commander.
type HeartbeatState string

const (
	HeartbeatUnknown       HeartbeatState = ""
	HeartbeatOK            HeartbeatState = "ok"
	HeartbeatAuthFailed    HeartbeatState = "auth-failed"
	HeartbeatHTTPFailed    HeartbeatState = "http-failed"
	HeartbeatNetworkFailed HeartbeatState = "network-failed"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
)

// HeartbeatMonitor pings the heartbeat endpoint for every known account on
// a fixed period. It logs only when a commander's state changes.
type HeartbeatMonitor struct {
	URL       string
	UserAgent string
	Interval  time.Duration

	http     *http.Client
	accounts *AccountRegistry
	failed   *FailedIdentitySet
	clock    clock.Clock

	mu            sync.RWMutex
	states        map[types.Identity]HeartbeatState
	startupLogged bool
}

// NewHeartbeatMonitor returns a monitor for the accounts in accounts.
func NewHeartbeatMonitor(url string, timeout time.Duration, accounts *AccountRegistry, failed *FailedIdentitySet) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatMonitor{
		URL:      url,
		Interval: DefaultHeartbeatInterval,
		http:     &http.Client{Timeout: timeout},
		accounts: accounts,
		failed:   failed,
		clock:    clock.Real(),
		states:   make(map[types.Identity]HeartbeatState),
	}
}

// Run beats until ctx is done. Without a URL it returns at once.
func (h *HeartbeatMonitor) Run(ctx context.Context) error {
	if h.URL == "" {
		logrus.Info("💓 heartbeat disabled: no heartbeat URL")
		return nil
	}
	for {
		h.Beat(ctx)
		if err := clock.Sleep(ctx, h.clock, h.Interval); err != nil {
			return nil
		}
	}
}

// Beat reloads the account file and pings every account once.
func (h *HeartbeatMonitor) Beat(ctx context.Context) {
	if _, err := h.accounts.Reload(); err != nil {
		logrus.WithError(err).Warn("heartbeat: could not reload accounts, using the last good list")
	}
	accounts := h.accounts.Accounts()
	h.forgetRemoved(accounts)

	if len(accounts) == 0 {
		logrus.Debug("heartbeat: no accounts configured, skipping beat")
		return
	}

	allOK := true
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if h.ping(ctx, account) != HeartbeatOK {
			allOK = false
		}
	}

	h.mu.Lock()
	logStartup := allOK && !h.startupLogged
	if logStartup {
		h.startupLogged = true
	}
	h.mu.Unlock()
	if logStartup {
		logrus.Infof("💓 heartbeat running for %d account(s)", len(accounts))
	}
}

func (h *HeartbeatMonitor) ping(ctx context.Context, account Account) HeartbeatState {
	previous := h.State(account.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, nil)
	if err != nil {
		logrus.WithError(err).Error("heartbeat: bad request")
		return h.transition(account.Name, previous, HeartbeatNetworkFailed, err.Error())
	}
	setAuthHeaders(req, account.Name, account.Credential, h.UserAgent)

	resp, err := h.http.Do(req)
	if err != nil {
		return h.transition(account.Name, previous, HeartbeatNetworkFailed, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		h.failed.Remove(account.Name)
		return h.transition(account.Name, previous, HeartbeatOK, "")
	case http.StatusUnauthorized, http.StatusForbidden:
		h.failed.Add(account.Name)
		return h.transition(account.Name, previous, HeartbeatAuthFailed, resp.Status)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 100))
		return h.transition(account.Name, previous, HeartbeatHTTPFailed, resp.Status+" "+string(detail))
	}
}

func (h *HeartbeatMonitor) transition(name types.Identity, previous, next HeartbeatState, detail string) HeartbeatState {
	h.mu.Lock()
	h.states[name] = next
	h.mu.Unlock()

	if previous == next {
		return next
	}
	switch next {
	case HeartbeatOK:
		if previous != HeartbeatUnknown {
			logrus.Infof("💓 heartbeat restored for %s", name)
		}
	case HeartbeatAuthFailed:
		logrus.Warnf("⛔ heartbeat auth failed for %s: %s", name, detail)
	case HeartbeatHTTPFailed:
		logrus.Warnf("heartbeat failed for %s: %s", name, detail)
	case HeartbeatNetworkFailed:
		logrus.Warnf("heartbeat network error for %s: %s", name, detail)
	}
	return next
}

func (h *HeartbeatMonitor) forgetRemoved(accounts []Account) {
	present := make(map[types.Identity]bool, len(accounts))
	for _, account := range accounts {
		present[account.Name] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.states {
		if !present[name] {
			delete(h.states, name)
		}
	}
}

// State returns the last heartbeat result for name.
func (h *HeartbeatMonitor) State(name types.Identity) HeartbeatState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.states[name]
}

// States returns a copy of every tracked state.
func (h *HeartbeatMonitor) States() map[types.Identity]HeartbeatState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	states := make(map[types.Identity]HeartbeatState, len(h.states))
	for name, state := range h.states {
		states[name] = state
	}
	return states
}
