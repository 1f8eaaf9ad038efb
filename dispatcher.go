package skylink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/eddn"
	"github.com/skylink-telemetry/skylink/types"
	"github.com/skylink-telemetry/skylink/utilities/clock"
)

const (
	// DefaultIdleTimeout is how long the consumer waits for a live event
	// before it drains the offline queue.
	DefaultIdleTimeout = time.Second
	// DefaultRetryPause separates consecutive offline retries.
	DefaultRetryPause = 10 * time.Second
)

// EDDNUploader posts a built payload. *eddn.Client implements it.
type EDDNUploader interface {
	Upload(ctx context.Context, payload *eddn.Payload) error
}

// DispatcherDeps are the collaborators a Dispatcher needs. EDDN may be nil
// to disable the public destination.
type DispatcherDeps struct {
	Rules    *RuleRegistry
	Session  *SessionState
	Accounts *AccountRegistry
	Dedup    *DeduplicationCache
	Offline  *OfflineRetryQueue
	Private  *PrivateClient
	EDDN     EDDNUploader
	Software eddn.Software
	Status   *StatusTracker
	Clock    clock.Clock
}

// DispatchStats are running counters for the status surfaces.
type DispatchStats struct {
	Delivered  int64 `json:"delivered"`
	Duplicates int64 `json:"duplicates"`
	Queued     int64 `json:"queued"`
	Dropped    int64 `json:"dropped"`
	Expired    int64 `json:"expired"`
	EDDNSent   int64 `json:"eddn_sent"`
	EDDNFailed int64 `json:"eddn_failed"`
	Pending    int   `json:"pending"`
	Offline    int   `json:"offline"`
}

// Dispatcher is the single consumer of the event queue. It owns the dedup
// cache and the offline queue; nothing else mutates them.
type Dispatcher struct {
	queue    *eventQueue
	rules    *RuleRegistry
	session  *SessionState
	accounts *AccountRegistry
	dedup    *DeduplicationCache
	offline  *OfflineRetryQueue
	private  *PrivateClient
	eddn     EDDNUploader
	software eddn.Software
	status   *StatusTracker
	clock    clock.Clock

	IdleTimeout time.Duration
	RetryPause  time.Duration

	pipeline Pipeline

	purgeMu       sync.Mutex
	pendingPurges []types.Identity

	delivered, duplicates, queued, dropped, expired atomic.Int64
	eddnSent, eddnFailed                            atomic.Int64
}

// NewDispatcher wires a dispatcher. Accounts removed on reload are purged
// from the dedup cache by the consumer loop.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Status == nil {
		deps.Status = NewStatusTracker()
	}
	if deps.Offline == nil {
		deps.Offline = NewOfflineRetryQueue(DefaultOfflineTTL)
	}
	if deps.Accounts == nil {
		deps.Accounts = NewAccountRegistry("")
	}
	if deps.Session == nil {
		deps.Session = NewSessionState()
	}
	if deps.Dedup == nil {
		deps.Dedup = NewDeduplicationCache("")
	}
	d := &Dispatcher{
		queue:       newEventQueue(),
		rules:       deps.Rules,
		session:     deps.Session,
		accounts:    deps.Accounts,
		dedup:       deps.Dedup,
		offline:     deps.Offline,
		private:     deps.Private,
		eddn:        deps.EDDN,
		software:    deps.Software,
		status:      deps.Status,
		clock:       deps.Clock,
		IdleTimeout: DefaultIdleTimeout,
		RetryPause:  DefaultRetryPause,
	}
	d.pipeline = d.privatePipeline()
	d.accounts.OnRemoved(d.schedulePurge)
	return d
}

// Push queues an event. It never blocks.
func (d *Dispatcher) Push(item QueuedEvent) {
	d.queue.Push(item)
}

// Run consumes the queue until ctx is done. When no live event arrives
// within IdleTimeout the offline queue is drained instead.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.applyPurges()

		item, ok := d.queue.Pop(ctx, d.IdleTimeout)
		if ctx.Err() != nil {
			logrus.Debugf("dispatcher stopped with %d events pending", d.queue.Len())
			return nil
		}
		if ok {
			d.Process(ctx, item)
			continue
		}
		d.DrainOffline(ctx)
	}
}

// Process handles one event: exclusion, EDDN, then private dispatch.
func (d *Dispatcher) Process(ctx context.Context, item QueuedEvent) {
	defer recoverPanic("dispatch")

	event := item.Event
	if excluded(event) {
		logrus.Debugf("excluding %s", event.Type())
		return
	}

	eddnSent := d.sendEDDN(ctx, event)

	if !item.Private {
		return
	}

	rule, _ := d.rules.Lookup(event.Type())
	result := d.pipeline.Run(&privateMessage{Original: event, Rule: rule, Identity: item.Identity, EDDNSent: eddnSent})
	switch {
	case result.IsError():
		d.dropped.Add(1)
		return
	case result.IsDrop():
		d.duplicates.Add(1)
		return
	}

	msg := result.Message
	delivery, err := d.private.Send(ctx, msg.Identity, msg.Credential, msg.Event)
	d.settleDedup(msg.DedupKey, delivery)

	switch delivery {
	case Delivered:
		d.delivered.Add(1)
	case DeliveryTransient:
		d.queued.Add(1)
		d.offline.Push(OfflineEntry{Event: msg.Event, Identity: msg.Identity, FirstQueuedAt: d.clock.Now()})
		logrus.WithError(err).Infof("📦 %s queued for retry (%d offline)", event.Type(), d.offline.Len())
	default:
		d.dropped.Add(1)
	}
}

// settleDedup persists a provisional hash after delivery or rolls it back
// after any failure.
func (d *Dispatcher) settleDedup(key string, delivery Delivery) {
	if key == "" {
		return
	}
	if delivery != Delivered {
		d.dedup.Remove(key)
	}
	if err := d.dedup.Persist(); err != nil {
		logrus.WithError(err).Error("failed to save dedup cache")
	}
}

func (d *Dispatcher) sendEDDN(ctx context.Context, event *RawEvent) bool {
	if d.eddn == nil || !eddn.Eligible(event.Type().String()) {
		return false
	}

	payload, err := eddn.BuildPayload(event.Map(), gameState(d.session.Snapshot()), d.software)
	if err != nil {
		if errors.Is(err, eddn.ErrMissingCoordinates) {
			logrus.Debugf("EDDN: skipping %s: %v", event.Type(), err)
		} else {
			logrus.WithError(err).Warnf("EDDN: could not build %s", event.Type())
		}
		d.eddnFailed.Add(1)
		return false
	}

	if err := d.eddn.Upload(context.WithoutCancel(ctx), payload); err != nil {
		logrus.WithError(err).Warnf("EDDN: %s not accepted", event.Type())
		d.eddnFailed.Add(1)
		return false
	}
	d.eddnSent.Add(1)
	return true
}

// DrainOffline makes one retry pass over a snapshot of the offline queue.
// Expired entries are dropped unsent; transient failures go back with their
// original queue time.
func (d *Dispatcher) DrainOffline(ctx context.Context) {
	entries := d.offline.TakeAll()
	if len(entries) == 0 {
		return
	}
	logrus.Infof("retrying %d events from the offline queue", len(entries))

	for i, entry := range entries {
		if ctx.Err() != nil {
			d.requeue(entries[i:])
			return
		}

		if entry.Expired(d.clock.Now(), d.offline.TTL()) {
			logrus.Warnf("dropping %s after %s offline", entry.Event.Type(), d.offline.TTL())
			d.expired.Add(1)
			continue
		}

		delivery, _ := d.private.Send(ctx, entry.Identity, d.credentialFor(entry.Identity), entry.Event)
		switch delivery {
		case Delivered:
			d.delivered.Add(1)
		case DeliveryTransient:
			d.offline.Push(entry)
		default:
			d.dropped.Add(1)
		}

		if i < len(entries)-1 {
			if err := clock.Sleep(ctx, d.clock, d.RetryPause); err != nil {
				d.requeue(entries[i+1:])
				return
			}
		}
	}

	if d.offline.Len() == 0 {
		d.status.Set(StatusRunning, "Offline queue cleared.")
	}
}

func (d *Dispatcher) requeue(entries []OfflineEntry) {
	for _, entry := range entries {
		d.offline.Push(entry)
	}
}

// credentialFor resolves the credential for identity, which may not be the
// active commander.
func (d *Dispatcher) credentialFor(identity types.Identity) string {
	snapshot := d.session.Snapshot()
	if snapshot.Identity == identity && snapshot.Credential != "" {
		return snapshot.Credential
	}
	return d.resolveCredential(identity)
}

func (d *Dispatcher) schedulePurge(identity types.Identity) {
	d.purgeMu.Lock()
	defer d.purgeMu.Unlock()
	d.pendingPurges = append(d.pendingPurges, identity)
}

// applyPurges runs on the consumer goroutine so the dedup cache keeps a
// single writer even when another goroutine reloaded the accounts.
func (d *Dispatcher) applyPurges() {
	d.purgeMu.Lock()
	pending := d.pendingPurges
	d.pendingPurges = nil
	d.purgeMu.Unlock()

	for _, identity := range pending {
		d.dedup.PurgeIdentity(identity)
	}
}

// Stats returns the running counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Delivered:  d.delivered.Load(),
		Duplicates: d.duplicates.Load(),
		Queued:     d.queued.Load(),
		Dropped:    d.dropped.Load(),
		Expired:    d.expired.Load(),
		EDDNSent:   d.eddnSent.Load(),
		EDDNFailed: d.eddnFailed.Load(),
		Pending:    d.queue.Len(),
		Offline:    d.offline.Len(),
	}
}

// excluded reports events that never leave the machine. Squadron carrier
// events describe a shared asset, not the commander.
func excluded(event *RawEvent) bool {
	return event.String("CarrierType") == "SquadronCarrier"
}

func gameState(snapshot SessionSnapshot) eddn.GameState {
	return eddn.GameState{
		Commander:   snapshot.Identity.String(),
		GameVersion: snapshot.GameVersion,
		GameBuild:   snapshot.GameBuild,
		StarSystem:  snapshot.StarSystem,
		StarPos:     snapshot.StarPos,
		Horizons:    snapshot.Horizons,
		Odyssey:     snapshot.Odyssey,
		Taxi:        snapshot.Taxi,
		Multicrew:   snapshot.Multicrew,
	}
}
