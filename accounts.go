package skylink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
)

// Account is one commander and its telemetry credential.
type Account struct {
	Name       types.Identity
	Credential string
}

// AccountRegistry is the read-mostly table of commander credentials,
// loaded from accounts.json:
//
//	{ "accounts": { "Nova": "skb_..." } }
//
// The file is owned by whatever UI manages accounts; the agent only reads
// it and reloads on demand. Reload reports commanders that disappeared so
// their cached state can be purged.
type AccountRegistry struct {
	path string

	mu       sync.RWMutex
	accounts map[types.Identity]string

	listenersMu sync.Mutex
	onRemoved   []func(types.Identity)
}

type accountsFile struct {
	Accounts map[string]string `json:"accounts"`
}

// NewAccountRegistry returns an empty registry backed by path.
func NewAccountRegistry(path string) *AccountRegistry {
	return &AccountRegistry{
		path:     path,
		accounts: make(map[types.Identity]string),
	}
}

// LoadAccountRegistry reads path once. A missing file is not an error; a
// corrupt one leaves the registry empty and returns the error for logging.
func LoadAccountRegistry(path string) (*AccountRegistry, error) {
	registry := NewAccountRegistry(path)
	_, err := registry.Reload()
	return registry, err
}

// Register stores a credential in memory. Used by tests and by callers that
// already verified an account.
func (a *AccountRegistry) Register(name types.Identity, credential string) {
	if name.IsZero() || credential == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[name] = credential
}

// OnRemoved registers a callback fired, after Reload, for each commander
// no longer present in the file.
func (a *AccountRegistry) OnRemoved(callback func(types.Identity)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.onRemoved = append(a.onRemoved, callback)
}

// Reload re-reads the accounts file and replaces the in-memory table.
// On error the previous table is kept. Returns the removed commanders.
func (a *AccountRegistry) Reload() ([]types.Identity, error) {
	loaded, err := a.readFile()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var removed []types.Identity
	for name := range a.accounts {
		if _, still := loaded[name]; !still {
			removed = append(removed, name)
		}
	}
	a.accounts = loaded
	a.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	a.listenersMu.Lock()
	listeners := append([]func(types.Identity){}, a.onRemoved...)
	a.listenersMu.Unlock()
	for _, name := range removed {
		logrus.Infof("👋 account %s was removed", name)
		for _, listener := range listeners {
			listener(name)
		}
	}
	return removed, nil
}

func (a *AccountRegistry) readFile() (map[types.Identity]string, error) {
	loaded := make(map[types.Identity]string)
	if a.path == "" {
		return loaded, nil
	}
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("accounts file %s not found", a.path)
		return loaded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return loaded, nil
	}
	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts %s: %w", a.path, err)
	}
	for name, credential := range file.Accounts {
		if name == "" || credential == "" {
			continue
		}
		loaded[types.Identity(name)] = credential
	}
	return loaded, nil
}

// Lookup finds the credential for name. An exact match wins; otherwise
// names are compared case-insensitively.
func (a *AccountRegistry) Lookup(name types.Identity) (string, bool) {
	if name.IsZero() {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if credential, ok := a.accounts[name]; ok {
		return credential, true
	}
	for known, credential := range a.accounts {
		if known.EqualFold(name) {
			return credential, true
		}
	}
	return "", false
}

// Accounts returns every account sorted by name.
func (a *AccountRegistry) Accounts() []Account {
	a.mu.RLock()
	defer a.mu.RUnlock()

	accounts := make([]Account, 0, len(a.accounts))
	for name, credential := range a.accounts {
		accounts = append(accounts, Account{Name: name, Credential: credential})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts
}

// Len returns the number of known accounts.
func (a *AccountRegistry) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.accounts)
}
