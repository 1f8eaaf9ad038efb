package skylink

import (
	"sort"
	"strings"
	"sync"

	"github.com/skylink-telemetry/skylink/types"
)

// FailedIdentitySet holds commanders whose credential was last rejected
// (401/403). The dispatcher and the heartbeat monitor write it; the status
// surfaces read it. Names match case-insensitively since the journal and
// the account file may spell a commander differently.
type FailedIdentitySet struct {
	mu sync.RWMutex
	// folded name -> spelling from the latest Add
	names map[string]types.Identity

	listenersMu sync.Mutex
	listeners   []func(name types.Identity, failed bool)
}

// NewFailedIdentitySet returns an empty set.
func NewFailedIdentitySet() *FailedIdentitySet {
	return &FailedIdentitySet{names: make(map[string]types.Identity)}
}

// OnChange registers a callback fired whenever a commander enters or leaves
// the set. Callbacks run outside the set's lock.
func (f *FailedIdentitySet) OnChange(callback func(name types.Identity, failed bool)) {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	f.listeners = append(f.listeners, callback)
}

// Add marks name as failed. Returns true if it was not already marked.
func (f *FailedIdentitySet) Add(name types.Identity) bool {
	if name.IsZero() {
		return false
	}
	f.mu.Lock()
	_, present := f.names[foldIdentity(name)]
	f.names[foldIdentity(name)] = name
	f.mu.Unlock()

	if !present {
		f.notify(name, true)
	}
	return !present
}

// Remove clears name. Returns true if it was marked.
func (f *FailedIdentitySet) Remove(name types.Identity) bool {
	f.mu.Lock()
	stored, present := f.names[foldIdentity(name)]
	delete(f.names, foldIdentity(name))
	f.mu.Unlock()

	if present {
		f.notify(stored, false)
	}
	return present
}

// Contains reports whether name is marked failed.
func (f *FailedIdentitySet) Contains(name types.Identity) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, present := f.names[foldIdentity(name)]
	return present
}

// List returns the marked commanders, sorted.
func (f *FailedIdentitySet) List() []types.Identity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]types.Identity, 0, len(f.names))
	for _, name := range f.names {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (f *FailedIdentitySet) notify(name types.Identity, failed bool) {
	f.listenersMu.Lock()
	listeners := append([]func(types.Identity, bool){}, f.listeners...)
	f.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(name, failed)
	}
}

func foldIdentity(name types.Identity) string {
	return strings.ToLower(string(name))
}
