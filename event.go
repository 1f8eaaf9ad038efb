package skylink

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skylink-telemetry/skylink/types"
)

// ErrNoEventType is returned by ParseEvent for objects without an "event" tag.
var ErrNoEventType = errors.New("journal line has no event type")

// RawEvent is one journal entry: a JSON object whose top-level key order
// is preserved. Nested values are decoded as map[string]any, []any,
// json.Number, string, bool or nil.
//
// A RawEvent is never mutated after parsing. Every transformation
// (filtering, annotating) returns a new RawEvent sharing the untouched
// nested values.
type RawEvent struct {
	keys   []string
	fields map[string]any
}

// ParseEvent decodes one journal line. Numbers keep their literal form
// (json.Number) so hashes and re-encoded bodies match the original text.
func ParseEvent(line []byte) (*RawEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read journal line: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("journal line is not a JSON object")
	}

	event := &RawEvent{fields: make(map[string]any)}
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", token)
		}
		var value any
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		event.set(key, value)
	}
	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("read closing brace: %w", err)
	}
	if _, err := decoder.Token(); err == nil {
		return nil, fmt.Errorf("trailing data after journal object")
	}

	eventType, _ := event.fields["event"].(string)
	if eventType == "" {
		return nil, ErrNoEventType
	}
	return event, nil
}

// NewEvent builds a RawEvent from alternating key/value pairs. Handy for
// tests and synthesized events; panics on an odd argument count.
func NewEvent(pairs ...any) *RawEvent {
	if len(pairs)%2 != 0 {
		panic("NewEvent: odd number of arguments")
	}
	event := &RawEvent{fields: make(map[string]any, len(pairs)/2)}
	for i := 0; i < len(pairs); i += 2 {
		event.set(pairs[i].(string), pairs[i+1])
	}
	return event
}

func (e *RawEvent) set(key string, value any) {
	if _, exists := e.fields[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.fields[key] = value
}

// Type returns the event type tag.
func (e *RawEvent) Type() types.EventType {
	eventType, _ := e.fields["event"].(string)
	return types.EventType(eventType)
}

// Timestamp returns the raw timestamp string, or "" when absent.
func (e *RawEvent) Timestamp() string {
	timestamp, _ := e.fields["timestamp"].(string)
	return timestamp
}

// Get returns the value for key.
func (e *RawEvent) Get(key string) (any, bool) {
	value, ok := e.fields[key]
	return value, ok
}

// String returns the value for key when it is a string.
func (e *RawEvent) String(key string) string {
	value, _ := e.fields[key].(string)
	return value
}

// Bool returns the value for key when it is a bool.
func (e *RawEvent) Bool(key string) (bool, bool) {
	value, ok := e.fields[key].(bool)
	return value, ok
}

// Has reports whether key is present.
func (e *RawEvent) Has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

// Keys returns the top-level keys in journal order.
func (e *RawEvent) Keys() []string {
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}

// Len returns the number of top-level keys.
func (e *RawEvent) Len() int {
	return len(e.keys)
}

// Map returns a shallow copy of the top-level fields.
func (e *RawEvent) Map() map[string]any {
	out := make(map[string]any, len(e.fields))
	for key, value := range e.fields {
		out[key] = value
	}
	return out
}

// With returns a copy with key set to value. A new key is appended at the end.
func (e *RawEvent) With(key string, value any) *RawEvent {
	out := e.clone()
	out.set(key, value)
	return out
}

// Without returns a copy without the given keys.
func (e *RawEvent) Without(keys ...string) *RawEvent {
	drop := make(map[string]bool, len(keys))
	for _, key := range keys {
		drop[key] = true
	}
	return e.Filter(func(key string) bool { return !drop[key] })
}

// Filter returns a copy keeping only keys for which keep returns true.
func (e *RawEvent) Filter(keep func(key string) bool) *RawEvent {
	out := &RawEvent{fields: make(map[string]any, len(e.fields))}
	for _, key := range e.keys {
		if keep(key) {
			out.set(key, e.fields[key])
		}
	}
	return out
}

func (e *RawEvent) clone() *RawEvent {
	return e.Filter(func(string) bool { return true })
}

// MarshalJSON encodes the event with its top-level keys in journal order.
func (e *RawEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := marshalNoEscape(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		encodedValue, err := marshalNoEscape(e.fields[key])
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON lets a RawEvent round-trip through files written by the agent.
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	parsed, err := ParseEvent(data)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// CanonicalJSON encodes the fields with sorted keys at every depth. It is
// the stable form used for content hashing.
func (e *RawEvent) CanonicalJSON() ([]byte, error) {
	return marshalNoEscape(e.fields)
}

// marshalNoEscape is json.Marshal without HTML escaping and without the
// trailing newline json.Encoder adds.
func marshalNoEscape(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
