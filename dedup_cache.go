package skylink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/types"
)

// ClearCacheMarker is the file an installer drops next to the cache to
// force a one-time wipe (and so a full re-delivery) on the next start.
const ClearCacheMarker = ".clear_dedup_cache"

// DedupKey builds the cache key for identity and eventType.
func DedupKey(identity types.Identity, eventType types.EventType) string {
	return string(identity) + "|" + string(eventType)
}

// DedupHash hashes the filtered body of event for identity. "timestamp" and
// "event" are removed first so only content changes produce a new hash.
func DedupHash(identity types.Identity, event *RawEvent) (string, error) {
	canonical, err := event.Without("timestamp", "event").CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", event.Type(), err)
	}
	sum := sha256.Sum256([]byte(string(identity) + "|" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}

// DeduplicationCache maps "<identity>|<eventType>" to the hash of the last
// body delivered for it. It is persisted as a flat JSON object and loaded
// once at startup. Only the dispatcher mutates it.
type DeduplicationCache struct {
	path string

	mu     sync.Mutex
	hashes map[string]string
}

// NewDeduplicationCache returns an empty cache persisting to path.
func NewDeduplicationCache(path string) *DeduplicationCache {
	return &DeduplicationCache{path: path, hashes: make(map[string]string)}
}

// LoadDeduplicationCache honours the clear marker, then loads path. A
// missing or empty file is an empty cache. A corrupt file is logged and
// treated as empty.
func LoadDeduplicationCache(path string) *DeduplicationCache {
	cache := NewDeduplicationCache(path)
	cache.clearIfMarked()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Infof("dedup cache %s not found, starting empty", path)
		if err := cache.Persist(); err != nil {
			logrus.WithError(err).Warn("could not create dedup cache file")
		}
		return cache
	case err != nil:
		logrus.WithError(err).Errorf("failed to read dedup cache %s", path)
		return cache
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return cache
	}
	loaded := make(map[string]string)
	if err := json.Unmarshal(data, &loaded); err != nil {
		logrus.WithError(err).Errorf("failed to parse dedup cache %s, starting empty", path)
		return cache
	}
	cache.hashes = loaded
	logrus.Infof("dedup cache loaded from %s (%d entries)", path, len(loaded))
	return cache
}

func (c *DeduplicationCache) clearIfMarked() {
	marker := filepath.Join(filepath.Dir(c.path), ClearCacheMarker)
	if _, err := os.Stat(marker); err != nil {
		return
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("could not delete dedup cache for reinstall marker")
		return
	}
	if err := os.Remove(marker); err != nil {
		logrus.WithError(err).Warn("could not delete reinstall marker")
		return
	}
	logrus.Info("🧹 dedup cache cleared after install/reinstall")
}

// Get returns the stored hash for key.
func (c *DeduplicationCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, ok := c.hashes[key]
	return hash, ok
}

// Put stores hash under key in memory.
func (c *DeduplicationCache) Put(key, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[key] = hash
}

// Remove deletes key in memory. Returns true if it existed.
func (c *DeduplicationCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.hashes[key]
	delete(c.hashes, key)
	return ok
}

// PurgeIdentity removes every entry of identity and persists. Returns the
// number of entries removed.
func (c *DeduplicationCache) PurgeIdentity(identity types.Identity) int {
	prefix := string(identity) + "|"

	c.mu.Lock()
	removed := 0
	for key := range c.hashes {
		if strings.HasPrefix(key, prefix) {
			delete(c.hashes, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed == 0 {
		return 0
	}
	if err := c.Persist(); err != nil {
		logrus.WithError(err).Errorf("failed to save purged dedup cache for %s", identity)
	} else {
		logrus.Infof("dedup cache purged for commander %s (%d entries)", identity, removed)
	}
	return removed
}

// Len returns the number of entries.
func (c *DeduplicationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hashes)
}

// Persist writes the cache to disk.
func (c *DeduplicationCache) Persist() error {
	c.mu.Lock()
	snapshot := make(map[string]string, len(c.hashes))
	for key, hash := range c.hashes {
		snapshot[key] = hash
	}
	c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	if err := writeJSONFile(c.path, snapshot); err != nil {
		return err
	}
	logrus.Debugf("💾 dedup cache saved to %s", c.path)
	return nil
}
