// Package skylink is a telemetry agent for Elite Dangerous. It tails the
// game journal, classifies every event against a rule file and delivers
// the selected ones to a private telemetry endpoint and to EDDN.
//
// Three loops share state: the journal watcher feeds the dispatcher's
// queue, the dispatcher delivers (and owns the dedup cache and the offline
// queue), and the heartbeat monitor pings the endpoint for every account.
package skylink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skylink-telemetry/skylink/eddn"
	"github.com/skylink-telemetry/skylink/types"
)

// Agent wires every component from a Config.
type Agent struct {
	cfg Config

	Rules      *RuleRegistry
	Accounts   *AccountRegistry
	Session    *SessionState
	Failed     *FailedIdentitySet
	Status     *StatusTracker
	Dedup      *DeduplicationCache
	Offline    *OfflineRetryQueue
	Dispatcher *Dispatcher
	Watcher    *JournalWatcher
	Heartbeat  *HeartbeatMonitor

	probe     *GameProbe
	server    *StatusServer
	publisher *StatusPublisher
}

// NewAgent loads the on-disk state and builds the pipeline. Load problems
// are logged and the agent starts with whatever could be read.
func NewAgent(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	rules, err := LoadRuleRegistry(cfg.RulesPath(), ActionIgnore)
	if err != nil {
		logrus.WithError(err).Error("could not load rule file, every event type starts unknown")
	}
	accounts, err := LoadAccountRegistry(cfg.AccountsPath())
	if err != nil {
		logrus.WithError(err).Error("could not load accounts")
	}

	a := &Agent{
		cfg:      cfg,
		Rules:    rules,
		Accounts: accounts,
		Session:  NewSessionState(),
		Failed:   NewFailedIdentitySet(),
		Status:   NewStatusTracker(),
		Dedup:    LoadDeduplicationCache(cfg.DedupCachePath()),
		Offline:  NewOfflineRetryQueue(cfg.OfflineTTL),
		probe:    NewGameProbe(cfg.GameProcesses),
	}

	private := NewPrivateClient(cfg.APIURL, cfg.RequestTimeout, a.Failed, a.Status)
	private.UserAgent = cfg.UserAgent
	private.RateLimitWait = cfg.RateLimitDefault

	deps := DispatcherDeps{
		Rules:    a.Rules,
		Session:  a.Session,
		Accounts: a.Accounts,
		Dedup:    a.Dedup,
		Offline:  a.Offline,
		Private:  private,
		Software: eddn.Software{Name: cfg.SoftwareName, Version: cfg.SoftwareVersion},
		Status:   a.Status,
	}
	if cfg.EDDNEnabled {
		validator, err := eddn.NewValidator()
		if err != nil {
			return nil, err
		}
		client := eddn.NewClient(cfg.EDDNURL, cfg.EDDNTimeout, validator)
		client.Gzip = cfg.EDDNGzip
		client.UserAgent = cfg.UserAgent
		deps.EDDN = client
	}

	a.Dispatcher = NewDispatcher(deps)
	if cfg.IdleTimeout > 0 {
		a.Dispatcher.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.OfflineRetryPause > 0 {
		a.Dispatcher.RetryPause = cfg.OfflineRetryPause
	}

	a.Watcher = NewJournalWatcher(cfg.JournalDir, a.Rules, a.Session, a.Accounts, a.Dispatcher)
	a.Watcher.ForwardIgnored = cfg.EDDNForwardIgnored

	a.Heartbeat = NewHeartbeatMonitor(cfg.HeartbeatEndpoint(), cfg.HeartbeatTimeout, a.Accounts, a.Failed)
	a.Heartbeat.UserAgent = cfg.UserAgent
	if cfg.HeartbeatInterval > 0 {
		a.Heartbeat.Interval = cfg.HeartbeatInterval
	}

	if cfg.HTTPAddr != "" {
		a.server = NewStatusServer(cfg.HTTPAddr, a.StatusSnapshot)
	}
	if cfg.MQTTHost != "" {
		hostname, _ := os.Hostname()
		a.publisher = NewStatusPublisher(cfg.MQTTHost, cfg.MQTTUser, cfg.MQTTPass, "skylink-"+hostname, cfg.MQTTTopic, a.StatusSnapshot)
		a.Status.OnChange(func(StatusReport) { a.publisher.Notify() })
		a.Failed.OnChange(func(_ types.Identity, _ bool) { a.publisher.Notify() })
	}
	return a, nil
}

// Run starts every loop and blocks until ctx is done. Shutdown waits at
// most ShutdownGrace for in-flight deliveries; a hung destination never
// keeps the process alive.
func (a *Agent) Run(ctx context.Context) error {
	logHostInfo()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.Watcher.Run(groupCtx) })
	group.Go(func() error { return a.Dispatcher.Run(groupCtx) })
	group.Go(func() error { return a.Heartbeat.Run(groupCtx) })
	if a.server != nil {
		group.Go(func() error { return a.server.Run(groupCtx) })
	}
	if a.publisher != nil {
		group.Go(func() error { return a.publisher.Run(groupCtx) })
	}
	if a.cfg.ScreenRefresh > 0 {
		go PrintIdentitiesForever(groupCtx, os.Stdout, a.cfg.ScreenRefresh, a.StatusSnapshot)
	}

	a.Status.Set(StatusRunning, "Watching "+a.cfg.JournalDir)
	logrus.Infof("🚀 SkyLink agent running (journal: %s)", a.cfg.JournalDir)

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		grace := a.cfg.ShutdownGrace
		if grace <= 0 {
			grace = time.Second
		}
		select {
		case err = <-done:
		case <-time.After(grace):
			logrus.Warnf("🛑 shutdown grace of %s elapsed, abandoning in-flight work", grace)
		}
	}

	a.Status.Set(StatusStopped, "Agent stopped")
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// StatusSnapshot gathers the state shown by every status surface.
func (a *Agent) StatusSnapshot(ctx context.Context) AgentStatus {
	session := a.Session.Snapshot()
	heartbeats := a.Heartbeat.States()

	identities := make([]IdentityStatus, 0, a.Accounts.Len()+1)
	activeListed := false
	for _, account := range a.Accounts.Accounts() {
		active := account.Name.EqualFold(session.Identity)
		activeListed = activeListed || active
		identities = append(identities, IdentityStatus{
			Name:       account.Name,
			Active:     active,
			Heartbeat:  heartbeats[account.Name],
			AuthFailed: a.Failed.Contains(account.Name),
		})
	}
	if !session.Identity.IsZero() && !activeListed {
		identities = append(identities, IdentityStatus{
			Name:       session.Identity,
			Active:     true,
			AuthFailed: a.Failed.Contains(session.Identity),
		})
	}

	return AgentStatus{
		StatusReport: a.Status.Current(),
		Commander:    session.Identity,
		StarSystem:   session.StarSystem,
		GameRunning:  a.probe.Running(ctx),
		Identities:   identities,
		Dispatch:     a.Dispatcher.Stats(),
	}
}
