package skylink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skylink-telemetry/skylink/utilities/clock"
)

func TestDedupHashIgnoresTimestampAndKeyOrder(t *testing.T) {
	a, _ := ParseEvent([]byte(`{"timestamp":"2024-01-01T00:00:00Z","event":"Materials","Raw":[{"Name":"iron","Count":3}]}`))
	b, _ := ParseEvent([]byte(`{"Raw":[{"Count":3,"Name":"iron"}],"event":"Materials","timestamp":"2024-01-02T10:00:00Z"}`))
	c, _ := ParseEvent([]byte(`{"timestamp":"2024-01-01T00:00:00Z","event":"Materials","Raw":[{"Name":"iron","Count":4}]}`))

	ha, err := DedupHash("Nova", a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := DedupHash("Nova", b)
	hc, _ := DedupHash("Nova", c)
	other, _ := DedupHash("Vega", a)

	if ha != hb {
		t.Error("expected equal hashes for the same content")
	}
	if ha == hc {
		t.Error("expected a content change to change the hash")
	}
	if ha == other {
		t.Error("expected the identity to be part of the hash")
	}
	if DedupKey("Nova", "Materials") != "Nova|Materials" {
		t.Errorf("unexpected key %s", DedupKey("Nova", "Materials"))
	}
}

func TestDeduplicationCachePersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deduplication_cache.json")

	cache := LoadDeduplicationCache(path)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the cache file created on first load: %v", err)
	}
	cache.Put("Nova|Materials", "abc")
	cache.Put("Nova|Cargo", "def")
	if err := cache.Persist(); err != nil {
		t.Fatal(err)
	}

	reloaded := LoadDeduplicationCache(path)
	if hash, ok := reloaded.Get("Nova|Materials"); !ok || hash != "abc" {
		t.Errorf("expected abc, got %q (found: %v)", hash, ok)
	}
	if reloaded.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", reloaded.Len())
	}
}

func TestDeduplicationCacheCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deduplication_cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cache := LoadDeduplicationCache(path); cache.Len() != 0 {
		t.Errorf("expected an empty cache, got %d entries", cache.Len())
	}
}

func TestDeduplicationCacheClearMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deduplication_cache.json")
	data, _ := json.Marshal(map[string]string{"Nova|Materials": "abc"})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, ClearCacheMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cache := LoadDeduplicationCache(path)
	if cache.Len() != 0 {
		t.Errorf("expected the marker to wipe the cache, got %d entries", cache.Len())
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("expected the marker consumed")
	}

	cache.Put("Nova|Cargo", "def")
	cache.Persist()
	if again := LoadDeduplicationCache(path); again.Len() != 1 {
		t.Errorf("a consumed marker must not wipe again, got %d entries", again.Len())
	}
}

func TestDeduplicationCachePurgeIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deduplication_cache.json")
	cache := NewDeduplicationCache(path)
	cache.Put("Nova|Materials", "a")
	cache.Put("Nova|Cargo", "b")
	cache.Put("Nova Prime|Cargo", "c")
	cache.Put("Vega|Cargo", "d")

	if removed := cache.PurgeIdentity("Nova"); removed != 2 {
		t.Errorf("expected 2 entries removed, got %d", removed)
	}
	if _, ok := cache.Get("Nova Prime|Cargo"); !ok {
		t.Error("a commander sharing a prefix must survive")
	}

	reloaded := LoadDeduplicationCache(path)
	if reloaded.Len() != 2 {
		t.Errorf("expected the purge persisted, got %d entries", reloaded.Len())
	}
}

func TestOfflineEntryExpiry(t *testing.T) {
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	queue := NewOfflineRetryQueue(120 * time.Second)
	queue.Push(OfflineEntry{Event: NewEvent("event", "Cargo"), Identity: "Nova", FirstQueuedAt: fake.Now()})

	entry := queue.Entries()[0]
	fake.Advance(120 * time.Second)
	if entry.Expired(fake.Now(), queue.TTL()) {
		t.Error("an entry exactly at the TTL is still retried")
	}
	fake.Advance(time.Second)
	if !entry.Expired(fake.Now(), queue.TTL()) {
		t.Error("expected the entry expired past the TTL")
	}
}

func TestOfflineRetryQueueTakeAll(t *testing.T) {
	queue := NewOfflineRetryQueue(0)
	if queue.TTL() != DefaultOfflineTTL {
		t.Errorf("expected the default TTL, got %s", queue.TTL())
	}
	for _, name := range []string{"Cargo", "Materials", "Loadout"} {
		queue.Push(OfflineEntry{Event: NewEvent("event", name)})
	}

	taken := queue.TakeAll()
	if len(taken) != 3 || queue.Len() != 0 {
		t.Fatalf("expected 3 taken and an empty queue, got %d and %d", len(taken), queue.Len())
	}
	if taken[0].Event.Type() != "Cargo" || taken[2].Event.Type() != "Loadout" {
		t.Error("expected FIFO order")
	}
}
