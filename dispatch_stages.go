package skylink

import (
	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/eddn"
	"github.com/skylink-telemetry/skylink/types"
)

// privateMessage is an event on its way to the private endpoint.
type privateMessage struct {
	Original *RawEvent
	// Event is the filtered body that goes on the wire.
	Event      *RawEvent
	Rule       EventRule
	Identity   types.Identity
	Credential string

	// DedupKey is set when a provisional hash was stored for this send.
	DedupKey string

	// EDDNSent is attached as "eddnsent" for EDDN-eligible types.
	EDDNSent bool
}

// StageResult is the outcome of a pipeline stage.
//
// Every stage returns an explicit result - no silent failures.
type StageResult struct {
	Message *privateMessage // nil = dropped
	Error   error           // permanent failure for this event
	Reason  string          // why it was dropped ("duplicate")
}

// Continue passes the message to the next stage.
func Continue(msg *privateMessage) StageResult {
	return StageResult{Message: msg}
}

// Drop filters the message out on purpose.
func Drop(reason string) StageResult {
	return StageResult{Reason: reason}
}

// Fail stops the message with an error.
func Fail(err error) StageResult {
	return StageResult{Error: err}
}

// IsContinue returns true if the result indicates continuation.
func (r StageResult) IsContinue() bool {
	return r.Message != nil && r.Error == nil
}

// IsDrop returns true if the result indicates an intentional drop.
func (r StageResult) IsDrop() bool {
	return r.Message == nil && r.Error == nil
}

// IsError returns true if the result indicates an error.
func (r StageResult) IsError() bool {
	return r.Error != nil
}

// Stage is one step of private dispatch preparation.
type Stage interface {
	Process(msg *privateMessage) StageResult
}

// StageFunc adapts a function to Stage.
type StageFunc func(msg *privateMessage) StageResult

func (f StageFunc) Process(msg *privateMessage) StageResult {
	return f(msg)
}

// Pipeline runs stages in order and stops at the first drop or error.
type Pipeline []Stage

func (p Pipeline) Run(msg *privateMessage) StageResult {
	for _, stage := range p {
		result := stage.Process(msg)
		if result.Error != nil {
			return result
		}
		if result.Message == nil {
			return result
		}
		msg = result.Message
	}
	return Continue(msg)
}

// privatePipeline prepares an event for the private endpoint:
// field discovery, whitelist filtering, credential resolution, dedup.
func (d *Dispatcher) privatePipeline() Pipeline {
	return Pipeline{
		StageFunc(d.discoverStage),
		StageFunc(d.filterStage),
		StageFunc(d.credentialStage),
		StageFunc(d.dedupStage),
		StageFunc(d.annotateStage),
	}
}

func (d *Dispatcher) discoverStage(msg *privateMessage) StageResult {
	d.rules.DiscoverFields(msg.Original.Type(), msg.Original.Keys())
	if rule, ok := d.rules.Lookup(msg.Original.Type()); ok {
		msg.Rule = rule
	}
	return Continue(msg)
}

func (d *Dispatcher) filterStage(msg *privateMessage) StageResult {
	msg.Event = FilterFields(msg.Original, d.rules.FieldsFor(msg.Original.Type()))
	return Continue(msg)
}

// credentialStage sends under the commander who produced the event, which
// may no longer be the active one.
func (d *Dispatcher) credentialStage(msg *privateMessage) StageResult {
	if msg.Identity.IsZero() {
		msg.Identity = d.session.Snapshot().Identity
	}
	msg.Credential = d.credentialFor(msg.Identity)
	if msg.Credential == "" {
		logrus.Warnf("cannot send %s: no credential for commander %q", msg.Original.Type(), msg.Identity)
		return Fail(ErrNoCredential)
	}
	return Continue(msg)
}

// resolveCredential looks identity up in the in-memory account table,
// then reloads the table from disk once. A hit from disk is cached on the
// session.
func (d *Dispatcher) resolveCredential(identity types.Identity) string {
	if identity.IsZero() {
		return ""
	}
	if credential, ok := d.accounts.Lookup(identity); ok {
		return credential
	}
	if _, err := d.accounts.Reload(); err != nil {
		logrus.WithError(err).Warn("could not reload accounts")
		return ""
	}
	credential, ok := d.accounts.Lookup(identity)
	if !ok {
		return ""
	}
	d.session.SetCredential(identity, credential)
	logrus.Infof("🔑 credential loaded from disk for %s", identity)
	return credential
}

func (d *Dispatcher) dedupStage(msg *privateMessage) StageResult {
	if !msg.Rule.Deduplicate {
		return Continue(msg)
	}
	hash, err := DedupHash(msg.Identity, msg.Event)
	if err != nil {
		logrus.WithError(err).Warn("could not hash event, sending without dedup")
		return Continue(msg)
	}
	key := DedupKey(msg.Identity, msg.Original.Type())
	if previous, ok := d.dedup.Get(key); ok && previous == hash {
		logrus.Debugf("skipping duplicate %s for %s", msg.Original.Type(), msg.Identity)
		return Drop("duplicate")
	}
	d.dedup.Put(key, hash)
	msg.DedupKey = key
	return Continue(msg)
}

// annotateStage runs after dedup so the EDDN outcome never changes a hash.
func (d *Dispatcher) annotateStage(msg *privateMessage) StageResult {
	if eddn.Eligible(msg.Original.Type().String()) {
		msg.Event = msg.Event.With("eddnsent", msg.EDDNSent)
	}
	return Continue(msg)
}
