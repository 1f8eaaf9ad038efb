// Package eddn turns journal events into EDDN journal/1 messages, checks
// them against the wire schema and uploads them.
//
// BuildPayload is pure: it never touches the network and never mutates the
// event it is given. Upload is best effort; a rejected or failed packet is
// reported to the caller and never retried.
package eddn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

const (
	// SchemaRef is the wire schema every payload declares.
	SchemaRef = "https://eddn.edcd.io/schemas/journal/1"
	// DefaultUploadURL is the public EDDN gateway.
	DefaultUploadURL = "https://eddn.edcd.io:4430/upload/"

	localisedSuffix = "_Localised"

	defaultUploader    = "Unknown_Commander"
	defaultGameVersion = "4.3.0.1"
	defaultGameBuild   = "r322188/r0 "
)

var (
	// ErrMissingCoordinates means a coordinate-bearing event still has no
	// well-formed StarPos after session backfill.
	ErrMissingCoordinates = errors.New("eddn: event has no valid StarPos")
	// ErrSchemaViolation means the built payload does not satisfy the wire schema.
	ErrSchemaViolation = errors.New("eddn: payload violates schema")
	// ErrRejected means the gateway answered with something other than 200.
	ErrRejected = errors.New("eddn: upload rejected")
)

// GameState is the slice of the session the builder reads.
type GameState struct {
	Commander   string
	GameVersion string
	GameBuild   string
	StarSystem  string
	StarPos     *[3]float64
	Horizons    bool
	Odyssey     bool
	Taxi        bool
	Multicrew   bool
}

// Software identifies the uploader in the header.
type Software struct {
	Name    string
	Version string
}

// Header is the EDDN envelope header.
type Header struct {
	UploaderID      string `json:"uploaderID"`
	SoftwareName    string `json:"softwareName"`
	SoftwareVersion string `json:"softwareVersion"`
	GameVersion     string `json:"gameversion"`
	GameBuild       string `json:"gamebuild"`
}

// Payload is one EDDN message.
type Payload struct {
	SchemaRef string         `json:"$schemaRef"`
	Header    Header         `json:"header"`
	Message   map[string]any `json:"message"`
}

// EventType returns the message's event tag.
func (p *Payload) EventType() string {
	eventType, _ := p.Message["event"].(string)
	return eventType
}

// BuildPayload builds the EDDN message for event. It returns
// ErrMissingCoordinates for eligible events that cannot carry a
// coordinate triple.
func BuildPayload(event map[string]any, state GameState, software Software) (*Payload, error) {
	eventType, _ := event["event"].(string)
	if eventType == "" {
		return nil, fmt.Errorf("eddn: event has no type")
	}

	message := stripLocalised(event).(map[string]any)
	normalizeFlags(message)

	message["horizons"] = state.Horizons
	message["odyssey"] = state.Odyssey

	if jumpEvents[eventType] {
		message["Taxi"] = state.Taxi
		message["Multicrew"] = state.Multicrew
	}

	if backfillEvents[eventType] {
		if system, _ := message["StarSystem"].(string); system == "" && state.StarSystem != "" {
			message["StarSystem"] = state.StarSystem
		}
		if _, present := message["StarPos"]; !present && state.StarPos != nil {
			message["StarPos"] = []any{state.StarPos[0], state.StarPos[1], state.StarPos[2]}
		}
	}

	if eligibleEvents[eventType] && !validTriple(message["StarPos"]) {
		return nil, fmt.Errorf("%w: %s", ErrMissingCoordinates, eventType)
	}

	cleanup(eventType, message)
	message = filterAllowed(eventType, message)

	if timestamp, ok := message["timestamp"].(string); ok {
		message["timestamp"] = NormalizeTimestamp(timestamp)
	}

	uploader := state.Commander
	if uploader == "" {
		uploader = defaultUploader
	}
	gameVersion := state.GameVersion
	if gameVersion == "" {
		gameVersion = defaultGameVersion
	}
	gameBuild := state.GameBuild
	if gameBuild == "" {
		gameBuild = defaultGameBuild
	}

	return &Payload{
		SchemaRef: SchemaRef,
		Header: Header{
			UploaderID:      uploader,
			SoftwareName:    software.Name,
			SoftwareVersion: software.Version,
			GameVersion:     gameVersion,
			GameBuild:       gameBuild,
		},
		Message: message,
	}, nil
}

// stripLocalised deep-copies value, dropping every mapping key that ends
// in the localisation suffix.
func stripLocalised(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if strings.HasSuffix(key, localisedSuffix) {
				continue
			}
			out[key] = stripLocalised(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = stripLocalised(inner)
		}
		return out
	default:
		return v
	}
}

func normalizeFlags(message map[string]any) {
	for _, key := range []string{"Horizons", "horizons", "Odyssey", "odyssey"} {
		value, present := message[key]
		if !present {
			continue
		}
		delete(message, key)
		message[strings.ToLower(key)] = truthy(value)
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

func cleanup(eventType string, message map[string]any) {
	if factionEvents[eventType] {
		if factions, ok := message["Factions"].([]any); ok {
			for i, entry := range factions {
				if record, ok := entry.(map[string]any); ok {
					factions[i] = keepKeys(record, factionFields)
				}
			}
		}
		if record, ok := message["SystemFaction"].(map[string]any); ok {
			if name, present := record["Name"]; present {
				message["SystemFaction"] = map[string]any{"Name": name}
			} else {
				delete(message, "SystemFaction")
			}
		}
	}

	if eventType == "Scan" {
		if composition, ok := message["Composition"].(map[string]any); ok {
			message["Composition"] = rescaleFractions(composition)
		}
	}
}

// rescaleFractions converts a 0-1 composition to percentages, rounded to
// six decimals. Mappings with any value outside [0,1] (already
// percentages) are left alone.
func rescaleFractions(composition map[string]any) map[string]any {
	values := make(map[string]float64, len(composition))
	for key, raw := range composition {
		f, ok := number(raw)
		if !ok || f < 0 || f > 1 {
			return composition
		}
		values[key] = f
	}
	out := make(map[string]any, len(values))
	for key, f := range values {
		out[key] = math.Round(f*100*1e6) / 1e6
	}
	return out
}

func keepKeys(record map[string]any, allowed map[string]bool) map[string]any {
	out := make(map[string]any, len(allowed))
	for key, value := range record {
		if allowed[key] {
			out[key] = value
		}
	}
	return out
}

func filterAllowed(eventType string, message map[string]any) map[string]any {
	allowed, known := allowedFields[eventType]
	if !known {
		return message
	}
	out := make(map[string]any, len(message))
	for key, value := range message {
		if allowed[key] || alwaysAllowed[key] {
			out[key] = value
		}
	}
	return out
}

var timestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})(?:\.\d+)?(Z?)$`)

// NormalizeTimestamp truncates an ISO-8601 timestamp to whole seconds and
// ends it with "Z". Strings in any other shape are returned unchanged.
func NormalizeTimestamp(timestamp string) string {
	match := timestampPattern.FindStringSubmatch(strings.TrimSpace(timestamp))
	if match == nil {
		return timestamp
	}
	return match[1] + "Z"
}

func validTriple(raw any) bool {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return false
	}
	for _, value := range values {
		if _, ok := number(value); !ok {
			return false
		}
	}
	return true
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
