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
	"github.com/tidwall/jsonc"

	"github.com/skylink-telemetry/skylink/types"
)

// Action says what the watcher does with an event of a given type.
type Action string

const (
	ActionSend   Action = "send"
	ActionIgnore Action = "ignore"
)

// DiscoveryCategory is the rule-file category new event types are appended to.
const DiscoveryCategory = "__New_Discovery__"

// ParseAction normalizes a rule-file action string. Anything that is not
// "send" is treated as ignore so a typo never leaks data.
func ParseAction(s string) Action {
	if strings.EqualFold(strings.TrimSpace(s), string(ActionSend)) {
		return ActionSend
	}
	return ActionIgnore
}

// EventRule is the policy for one event type.
type EventRule struct {
	Action      Action
	Deduplicate bool
	// Fields is the per-field whitelist for private dispatch. A key is
	// kept only when its entry is true.
	Fields   map[string]bool
	Category string
}

// Allows reports whether field survives whitelist filtering.
func (r EventRule) Allows(field string) bool {
	return r.Fields[field]
}

func (r EventRule) copy() EventRule {
	fields := make(map[string]bool, len(r.Fields))
	for name, allowed := range r.Fields {
		fields[name] = allowed
	}
	r.Fields = fields
	return r
}

// RuleRegistry holds per-event-type rules loaded from the rule file and
// auto-registers unknown event types.
//
// The rule file looks like:
//
//	{
//	  "settings": { "default_action": "ignore" },
//	  "categories": {
//	    "Travel": { "FSDJump": { "action": "send", "deduplicate": false, "StarSystem": true } }
//	  }
//	}
//
// Every key of a rule other than action/deduplicate/comment whose value is a
// boolean is a field whitelist entry. The file is human edited, so comments
// and trailing commas are tolerated when reading.
//
// Writes follow persist-then-apply: the file is updated first and the
// in-memory table second. A failed write is logged and the in-memory table
// is updated anyway; the worst outcome is the type being registered again
// on the next run.
type RuleRegistry struct {
	path string

	mu            sync.RWMutex
	defaultAction Action
	rules         map[types.EventType]EventRule

	// fileMu serializes read-modify-write cycles on the rule file.
	fileMu sync.Mutex
}

// NewRuleRegistry returns an empty registry persisting to path. fallback
// is the default action used until a rule file provides one.
func NewRuleRegistry(path string, fallback Action) *RuleRegistry {
	if fallback == "" {
		fallback = ActionIgnore
	}
	return &RuleRegistry{
		path:          path,
		defaultAction: fallback,
		rules:         make(map[types.EventType]EventRule),
	}
}

// LoadRuleRegistry reads the rule file at path. A missing file yields an
// empty registry; a file that cannot be parsed yields an empty registry and
// the parse error, which callers log.
func LoadRuleRegistry(path string, fallback Action) (*RuleRegistry, error) {
	registry := NewRuleRegistry(path, fallback)
	if err := registry.Reload(); err != nil {
		return registry, err
	}
	return registry, nil
}

// Reload replaces the in-memory table with the contents of the rule file.
// On error the current table is kept.
func (r *RuleRegistry) Reload() error {
	document, err := r.readDocument()
	if errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("rule file %s not found, every event type starts unknown", r.path)
		return nil
	}
	if err != nil {
		return err
	}

	rules, defaultAction := flattenRuleDocument(document)

	r.mu.Lock()
	r.rules = rules
	if defaultAction != "" {
		r.defaultAction = defaultAction
	}
	count := len(r.rules)
	r.mu.Unlock()

	logrus.Infof("📜 loaded %d event rules from %s", count, r.path)
	return nil
}

// DefaultAction is the action applied to rules without one and to newly
// registered types.
func (r *RuleRegistry) DefaultAction() Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultAction
}

// Lookup returns the rule for eventType without registering it.
func (r *RuleRegistry) Lookup(eventType types.EventType) (EventRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[eventType]
	if !ok {
		return EventRule{}, false
	}
	rule = rule.copy()
	if rule.Action == "" {
		rule.Action = r.defaultAction
	}
	return rule, true
}

// Classify returns the rule for eventType, auto-registering it first when
// it has never been seen.
func (r *RuleRegistry) Classify(eventType types.EventType) EventRule {
	if rule, ok := r.Lookup(eventType); ok {
		return rule
	}
	r.AutoRegister(eventType)
	rule, _ := r.Lookup(eventType)
	return rule
}

// FieldsFor returns a copy of the field whitelist for eventType.
func (r *RuleRegistry) FieldsFor(eventType types.EventType) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := make(map[string]bool, len(r.rules[eventType].Fields))
	for key, allowed := range r.rules[eventType].Fields {
		fields[key] = allowed
	}
	return fields
}

// Known returns every registered event type, sorted.
func (r *RuleRegistry) Known() []types.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	known := make([]types.EventType, 0, len(r.rules))
	for eventType := range r.rules {
		known = append(known, eventType)
	}
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
	return known
}

// AutoRegister adds eventType under DiscoveryCategory with the default
// action and no deduplication. Registering a known type is a no-op and
// returns false.
func (r *RuleRegistry) AutoRegister(eventType types.EventType) bool {
	if eventType == "" {
		return false
	}
	if _, known := r.Lookup(eventType); known {
		return false
	}

	action := r.DefaultAction()
	err := r.updateDocument(func(categories map[string]any) bool {
		category, _ := categories[DiscoveryCategory].(map[string]any)
		if category == nil {
			category = make(map[string]any)
			categories[DiscoveryCategory] = category
		}
		if _, present := category[string(eventType)]; present {
			return false
		}
		category[string(eventType)] = map[string]any{
			"action":      string(action),
			"deduplicate": false,
			"comment":     "Auto-detected",
		}
		return true
	})
	if err != nil {
		logrus.WithError(err).Warnf("could not persist new event type %s, keeping it in memory", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.rules[eventType]; known {
		return false
	}
	r.rules[eventType] = EventRule{
		Action:   action,
		Fields:   map[string]bool{},
		Category: DiscoveryCategory,
	}
	logrus.Infof("🆕 new event type %s registered (action: %s)", eventType, action)
	return true
}

// DiscoverFields records top-level keys of an event that its rule has
// never listed. They are added to the whitelist as true and forwarded; an
// operator opts a field out by setting it to false. Returns the newly
// recorded keys.
func (r *RuleRegistry) DiscoverFields(eventType types.EventType, keys []string) []string {
	r.mu.RLock()
	rule, ok := r.rules[eventType]
	var discovered []string
	if ok {
		for _, key := range keys {
			if key == "event" || key == "timestamp" {
				continue
			}
			if _, listed := rule.Fields[key]; !listed {
				discovered = append(discovered, key)
			}
		}
	}
	r.mu.RUnlock()

	if len(discovered) == 0 {
		return nil
	}

	err := r.updateDocument(func(categories map[string]any) bool {
		category, _ := categories[rule.Category].(map[string]any)
		if category == nil {
			category = make(map[string]any)
			categories[rule.Category] = category
		}
		entry, _ := category[string(eventType)].(map[string]any)
		if entry == nil {
			action := rule.Action
			if action == "" {
				action = r.DefaultAction()
			}
			entry = map[string]any{"action": string(action)}
			category[string(eventType)] = entry
		}
		changed := false
		for _, key := range discovered {
			if _, present := entry[key]; !present {
				entry[key] = true
				changed = true
			}
		}
		return changed
	})
	if err != nil {
		logrus.WithError(err).Warnf("could not persist discovered fields for %s", eventType)
	}

	r.mu.Lock()
	current := r.rules[eventType]
	if current.Fields == nil {
		current.Fields = make(map[string]bool)
	}
	for _, key := range discovered {
		if _, listed := current.Fields[key]; !listed {
			current.Fields[key] = true
		}
	}
	r.rules[eventType] = current
	r.mu.Unlock()

	logrus.Debugf("✨ new fields for %s: %s", eventType, strings.Join(discovered, ", "))
	return discovered
}

func (r *RuleRegistry) readDocument() (map[string]any, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	document := make(map[string]any)
	if len(strings.TrimSpace(string(data))) == 0 {
		return document, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", r.path, err)
	}
	return document, nil
}

// updateDocument runs a read-modify-write cycle on the rule file. mutate
// receives the categories object and reports whether it changed anything.
func (r *RuleRegistry) updateDocument(mutate func(categories map[string]any) bool) error {
	if r.path == "" {
		return errors.New("rule registry has no backing file")
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	document, err := r.readDocument()
	if errors.Is(err, os.ErrNotExist) {
		document = map[string]any{
			"settings": map[string]any{"default_action": string(r.DefaultAction())},
		}
	} else if err != nil {
		return err
	}

	categories, _ := document["categories"].(map[string]any)
	if categories == nil {
		categories = make(map[string]any)
		document["categories"] = categories
	}
	if !mutate(categories) {
		return nil
	}
	return writeJSONFile(r.path, document)
}

func flattenRuleDocument(document map[string]any) (map[types.EventType]EventRule, Action) {
	var defaultAction Action
	if settings, ok := document["settings"].(map[string]any); ok {
		if raw, ok := settings["default_action"].(string); ok && raw != "" {
			defaultAction = ParseAction(raw)
		}
	}

	rules := make(map[types.EventType]EventRule)
	categories, _ := document["categories"].(map[string]any)
	for categoryName, rawCategory := range categories {
		category, ok := rawCategory.(map[string]any)
		if !ok {
			continue
		}
		for eventName, rawRule := range category {
			entry, ok := rawRule.(map[string]any)
			if !ok {
				continue
			}
			rule := EventRule{Fields: make(map[string]bool), Category: categoryName}
			for key, value := range entry {
				switch key {
				case "action":
					if raw, ok := value.(string); ok {
						rule.Action = ParseAction(raw)
					}
				case "deduplicate":
					rule.Deduplicate, _ = value.(bool)
				case "comment":
				default:
					if allowed, ok := value.(bool); ok {
						rule.Fields[key] = allowed
					}
				}
			}
			rules[types.EventType(eventName)] = rule
		}
	}
	return rules, defaultAction
}

// FilterFields applies a field whitelist for private dispatch: "event" and
// "timestamp" are always kept, any other key only when whitelist marks it
// true.
func FilterFields(event *RawEvent, whitelist map[string]bool) *RawEvent {
	return event.Filter(func(key string) bool {
		if key == "event" || key == "timestamp" {
			return true
		}
		return whitelist[key]
	})
}
