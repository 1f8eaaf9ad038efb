package skylink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/skylink-telemetry/skylink/types"
)

const testRuleFile = `{
  // edited by hand
  "settings": { "default_action": "ignore" },
  "categories": {
    "Travel": {
      "FSDJump": { "action": "send", "deduplicate": false, "StarSystem": true, "StarPos": true, "FuelUsed": false },
    },
    "Inventory": {
      "Materials": { "action": "send", "deduplicate": true, "Raw": true, "comment": "full list" }
    },
    "Noise": {
      "Music": { "action": "ignore" }
    }
  }
}`

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readRuleDocument(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var document map[string]any
	if err := json.Unmarshal(data, &document); err != nil {
		t.Fatalf("rule file is not plain JSON after a write: %v", err)
	}
	return document
}

func TestLoadRuleRegistry(t *testing.T) {
	registry, err := LoadRuleRegistry(writeRuleFile(t, testRuleFile), ActionSend)
	if err != nil {
		t.Fatal(err)
	}

	if registry.DefaultAction() != ActionIgnore {
		t.Errorf("expected file default to win, got %s", registry.DefaultAction())
	}

	jump, ok := registry.Lookup("FSDJump")
	if !ok || jump.Action != ActionSend || jump.Deduplicate {
		t.Errorf("unexpected FSDJump rule: %+v", jump)
	}
	if !jump.Allows("StarSystem") || jump.Allows("FuelUsed") || jump.Allows("JumpDist") {
		t.Errorf("unexpected whitelist: %v", jump.Fields)
	}

	materials, _ := registry.Lookup("Materials")
	if !materials.Deduplicate {
		t.Error("expected Materials to deduplicate")
	}
	if _, listed := materials.Fields["comment"]; listed {
		t.Error("comment must not become a whitelist entry")
	}
}

func TestClassifyAutoRegistersOnce(t *testing.T) {
	path := writeRuleFile(t, testRuleFile)
	registry, _ := LoadRuleRegistry(path, ActionIgnore)

	first := registry.Classify("CodexEntry")
	if first.Action != ActionIgnore || first.Deduplicate {
		t.Errorf("expected safe default rule, got %+v", first)
	}
	if first.Category != DiscoveryCategory {
		t.Errorf("expected category %s, got %s", DiscoveryCategory, first.Category)
	}

	second := registry.Classify("CodexEntry")
	if second.Action != first.Action || second.Deduplicate != first.Deduplicate {
		t.Errorf("classification changed between calls: %+v vs %+v", first, second)
	}
	if registry.AutoRegister("CodexEntry") {
		t.Error("registering a known type should be a no-op")
	}

	document := readRuleDocument(t, path)
	categories := document["categories"].(map[string]any)
	discovered := categories[DiscoveryCategory].(map[string]any)
	entry, ok := discovered["CodexEntry"].(map[string]any)
	if !ok {
		t.Fatalf("expected CodexEntry persisted, got %v", discovered)
	}
	if entry["action"] != "ignore" || entry["deduplicate"] != false {
		t.Errorf("unexpected persisted entry: %v", entry)
	}

	reloaded, _ := LoadRuleRegistry(path, ActionIgnore)
	if _, ok := reloaded.Lookup("CodexEntry"); !ok {
		t.Error("expected registration to survive a reload")
	}
	if _, ok := reloaded.Lookup("FSDJump"); !ok {
		t.Error("existing rules must survive a rewrite")
	}
}

func TestAutoRegisterSurvivesUnwritableFile(t *testing.T) {
	dir := t.TempDir()
	// A directory where the file should be makes every write fail.
	path := filepath.Join(dir, "events.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	registry := NewRuleRegistry(path, ActionSend)

	rule := registry.Classify("Scan")
	if rule.Action != ActionSend {
		t.Errorf("expected in-memory registration with the default, got %+v", rule)
	}
	if _, ok := registry.Lookup("Scan"); !ok {
		t.Error("expected Scan registered in memory")
	}
}

func TestMissingRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	registry, err := LoadRuleRegistry(path, ActionIgnore)
	if err != nil {
		t.Fatal(err)
	}
	if len(registry.Known()) != 0 {
		t.Errorf("expected an empty registry, got %v", registry.Known())
	}

	registry.Classify("Fileheader")
	document := readRuleDocument(t, path)
	settings := document["settings"].(map[string]any)
	if settings["default_action"] != "ignore" {
		t.Errorf("expected the created file to carry the default action, got %v", settings)
	}
}

func TestDiscoverFieldsForwardsNewFields(t *testing.T) {
	path := writeRuleFile(t, testRuleFile)
	registry, _ := LoadRuleRegistry(path, ActionIgnore)

	discovered := registry.DiscoverFields("FSDJump", []string{"timestamp", "event", "StarSystem", "FuelUsed", "JumpDist", "BoostUsed"})
	if len(discovered) != 2 {
		t.Fatalf("expected JumpDist and BoostUsed, got %v", discovered)
	}

	rule, _ := registry.Lookup("FSDJump")
	if allowed, listed := rule.Fields["JumpDist"]; !listed || !allowed {
		t.Errorf("expected JumpDist listed as true, got listed=%v allowed=%v", listed, allowed)
	}
	if rule.Allows("FuelUsed") {
		t.Error("a field the operator set to false must stay filtered")
	}

	travel := readRuleDocument(t, path)["categories"].(map[string]any)["Travel"].(map[string]any)
	jump := travel["FSDJump"].(map[string]any)
	if jump["JumpDist"] != true || jump["FuelUsed"] != false || jump["action"] != "send" {
		t.Errorf("unexpected persisted rule: %v", jump)
	}

	event := NewEvent("event", "FSDJump", "JumpDist", 8.1, "FuelUsed", 1.5)
	filtered := FilterFields(event, registry.FieldsFor("FSDJump"))
	if !filtered.Has("JumpDist") || filtered.Has("FuelUsed") {
		t.Errorf("expected the discovered field forwarded, got keys %v", filtered.Keys())
	}

	if again := registry.DiscoverFields("FSDJump", []string{"JumpDist"}); len(again) != 0 {
		t.Errorf("expected nothing new on the second pass, got %v", again)
	}
}

func TestFieldsForReturnsCopy(t *testing.T) {
	registry, _ := LoadRuleRegistry(writeRuleFile(t, testRuleFile), ActionIgnore)

	fields := registry.FieldsFor("FSDJump")
	if !fields["StarSystem"] || fields["FuelUsed"] {
		t.Errorf("unexpected whitelist %v", fields)
	}
	fields["FuelUsed"] = true
	if again := registry.FieldsFor("FSDJump"); again["FuelUsed"] {
		t.Error("FieldsFor must not expose the registry's map")
	}
	if unknown := registry.FieldsFor("NoSuchEvent"); unknown == nil || len(unknown) != 0 {
		t.Errorf("expected an empty whitelist for an unknown type, got %v", unknown)
	}
}

func TestFilterFields(t *testing.T) {
	event := NewEvent(
		"timestamp", "2024-01-01T00:00:00Z",
		"event", "FSDJump",
		"StarSystem", "Sol",
		"FuelUsed", 1.5,
		"JumpDist", 8.1,
	)
	whitelist := map[string]bool{"StarSystem": true, "FuelUsed": false}

	filtered := FilterFields(event, whitelist)
	for _, key := range []string{"timestamp", "event", "StarSystem"} {
		if !filtered.Has(key) {
			t.Errorf("expected %s kept", key)
		}
	}
	for _, key := range []string{"FuelUsed", "JumpDist"} {
		if filtered.Has(key) {
			t.Errorf("expected %s removed", key)
		}
	}

	bare := FilterFields(event, nil)
	if bare.Len() != 2 || bare.Type() != types.EventType("FSDJump") {
		t.Errorf("expected only event and timestamp with an empty whitelist, got %v", bare.Keys())
	}
}

func TestParseAction(t *testing.T) {
	tests := map[string]Action{
		"send":   ActionSend,
		" SEND ": ActionSend,
		"ignore": ActionIgnore,
		"sned":   ActionIgnore,
		"":       ActionIgnore,
	}
	for in, want := range tests {
		if got := ParseAction(in); got != want {
			t.Errorf("ParseAction(%q) = %s, want %s", in, got, want)
		}
	}
}
