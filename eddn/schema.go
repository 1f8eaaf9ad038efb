package eddn

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/journal-1.json
var journalSchema []byte

const journalSchemaResource = "journal-1.json"

// Validator checks payloads against the embedded journal/1 schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	schema, err := compileSchema(journalSchema, journalSchemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile eddn schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustValidator is NewValidator for package-level initialization. The
// schema is embedded, so failure is a build defect.
func MustValidator() *Validator {
	validator, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return validator
}

// Validate returns ErrSchemaViolation (wrapped with the schema's
// explanation) when payload would be refused by the gateway.
func (v *Validator) Validate(payload *Payload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode eddn payload: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return fmt.Errorf("decode eddn payload: %w", err)
	}
	if err := v.schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

func compileSchema(b []byte, ref string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(ref)
}
