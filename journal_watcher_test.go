package skylink

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	items []QueuedEvent
}

func (s *recordingSink) Push(item QueuedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, item := range s.items {
		names = append(names, item.Event.Type().String())
	}
	return names
}

const watcherRules = `{
  "categories": {
    "Travel": { "FSDJump": { "action": "send", "StarSystem": true } },
    "Inventory": { "Cargo": { "action": "send", "Count": true } },
    "Noise": { "Music": { "action": "ignore" }, "Location": { "action": "ignore" } }
  }
}`

func newTestWatcher(t *testing.T) (*JournalWatcher, *recordingSink, string) {
	t.Helper()
	dir := t.TempDir()
	rulesPath := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(rulesPath, []byte(watcherRules), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRuleRegistry(rulesPath, ActionIgnore)
	if err != nil {
		t.Fatal(err)
	}
	accounts := NewAccountRegistry("")
	accounts.Register("Nova", "skb_nova")

	sink := &recordingSink{}
	return NewJournalWatcher(dir, rules, NewSessionState(), accounts, sink), sink, dir
}

func appendJournal(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestIsJournalFile(t *testing.T) {
	tests := map[string]bool{
		"Journal.2024-01-01T000000.01.log":   true,
		"/saves/Journal.240101000000.01.log": true,
		"Status.json":                        false,
		"Journal.2024-01-01T000000.01.json":  false,
		"NavRoute.json":                      false,
	}
	for name, want := range tests {
		if got := IsJournalFile(name); got != want {
			t.Errorf("IsJournalFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWatcherStartSkipsHistory(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	older := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	newer := filepath.Join(dir, "Journal.2024-01-02T000000.01.log")
	appendJournal(t, older, `{"event":"Cargo","Count":1}`+"\n")
	appendJournal(t, newer, `{"event":"Cargo","Count":2}`+"\n")
	past := time.Now().Add(-time.Hour)
	os.Chtimes(older, past, past)

	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	current, offset := watcher.Current()
	if current != newer {
		t.Errorf("expected the newest journal, got %s", current)
	}
	info, _ := os.Stat(newer)
	if offset != info.Size() {
		t.Errorf("expected offset at the end (%d), got %d", info.Size(), offset)
	}

	appendJournal(t, newer, `{"event":"Cargo","Count":3}`+"\n")
	watcher.HandleModify(newer)
	if got := sink.types(); len(got) != 1 {
		t.Fatalf("expected only the appended event, got %v", got)
	}
}

func TestWatcherStartWithoutJournal(t *testing.T) {
	watcher, _, _ := newTestWatcher(t)
	if err := watcher.Start(); err == nil {
		t.Error("expected an error for an empty directory")
	}
}

func TestWatcherClassifiesAndSkipsBadLines(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	appendJournal(t, path, "")
	watcher.HandleCreate(path)

	appendJournal(t, path, `{"event":"Commander","Name":"Nova"}`+"\n"+
		`{"event":"FSDJump",`+"\n"+
		"\n"+
		`{"timestamp":"2024-01-01T00:00:00Z"}`+"\n"+
		`{"event":"Music","MusicTrack":"Exploration"}`+"\n"+
		`{"event":"FSDJump","StarSystem":"Sol","StarPos":[0,0,0]}`+"\n")
	watcher.HandleModify(path)

	got := sink.types()
	if len(got) != 1 || got[0] != "FSDJump" {
		t.Fatalf("expected only FSDJump queued, got %v", got)
	}
	if !sink.items[0].Private {
		t.Error("expected a send rule to mark the event private")
	}
	if sink.items[0].Identity != "Nova" {
		t.Errorf("expected the event tagged with the commander who read it, got %q", sink.items[0].Identity)
	}
	if watcher.session.Identity() != "Nova" || watcher.session.Snapshot().StarSystem != "Sol" {
		t.Errorf("expected the session updated, got %+v", watcher.session.Snapshot())
	}
	if _, ok := watcher.rules.Lookup("Commander"); !ok {
		t.Error("expected unseen event types auto-registered")
	}
}

func TestWatcherWaitsForCompleteLines(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	appendJournal(t, path, "")
	watcher.HandleCreate(path)

	appendJournal(t, path, `{"event":"Cargo",`)
	watcher.HandleModify(path)
	if len(sink.types()) != 0 {
		t.Fatal("a partial line must not be processed")
	}
	if _, offset := watcher.Current(); offset != 0 {
		t.Errorf("expected the offset to stay before the partial line, got %d", offset)
	}

	appendJournal(t, path, `"Count":5}`+"\n")
	watcher.HandleModify(path)
	if got := sink.types(); len(got) != 1 || got[0] != "Cargo" {
		t.Errorf("expected the completed line processed once, got %v", got)
	}
}

func TestWatcherRotation(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	first := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	appendJournal(t, first, `{"event":"Cargo","Count":1}`+"\n")
	watcher.Start()

	second := filepath.Join(dir, "Journal.2024-01-01T000000.02.log")
	appendJournal(t, second, `{"event":"Fileheader","gameversion":"4.0.0.1","build":"r1"}`+"\n"+`{"event":"Cargo","Count":2}`+"\n")
	watcher.HandleCreate(second)

	current, _ := watcher.Current()
	if current != second {
		t.Errorf("expected the watcher on the new journal, got %s", current)
	}
	if got := sink.types(); len(got) != 1 || got[0] != "Cargo" {
		t.Errorf("expected the new journal read from its start, got %v", got)
	}
	if watcher.session.Snapshot().GameVersion != "4.0.0.1" {
		t.Error("expected the Fileheader observed")
	}

	appendJournal(t, first, `{"event":"Cargo","Count":3}`+"\n")
	watcher.HandleModify(first)
	if len(sink.types()) != 1 {
		t.Error("writes to the old journal must be ignored")
	}

	watcher.HandleCreate(filepath.Join(dir, "Status.json"))
	if current, _ := watcher.Current(); current != second {
		t.Error("non-journal files must not be adopted")
	}
}

func TestWatcherRereadsTruncatedFile(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	path := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	appendJournal(t, path, `{"event":"Cargo","Count":1,"Inventory":[{"Name":"gold","Count":1}]}`+"\n")
	watcher.Start()

	if err := os.WriteFile(path, []byte(`{"event":"Cargo","Count":2}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	watcher.HandleModify(path)
	if got := sink.types(); len(got) != 1 {
		t.Errorf("expected the shrunken file read from the start, got %v", got)
	}
}

func TestWatcherForwardIgnoredToEDDN(t *testing.T) {
	watcher, sink, dir := newTestWatcher(t)
	watcher.ForwardIgnored = true
	path := filepath.Join(dir, "Journal.2024-01-01T000000.01.log")
	appendJournal(t, path, "")
	watcher.HandleCreate(path)

	appendJournal(t, path, `{"event":"Location","StarSystem":"Sol","StarPos":[0,0,0]}`+"\n"+`{"event":"Music"}`+"\n")
	watcher.HandleModify(path)

	if got := sink.types(); len(got) != 1 || got[0] != "Location" {
		t.Fatalf("expected only the eligible ignored event, got %v", got)
	}
	if sink.items[0].Private {
		t.Error("an ignored event must not reach the private endpoint")
	}
}
