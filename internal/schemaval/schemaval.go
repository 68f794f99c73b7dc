// Package schemaval validates generated output against per-item JSON schemas.
// It is the default scoring.SchemaValidator implementation; scoring itself
// stays independent of the validation engine.
package schemaval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator compiles schema documents on demand and caches them by document
// text. Safe for use from a single run loop; not synchronized.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

func New() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate returns nil when output parses as JSON and satisfies the schema.
// Parse failures and schema violations are both reported as a non-nil error;
// neither is an execution failure.
func (v *Validator) Validate(schemaDoc []byte, output string) error {
	schema, err := v.compile(schemaDoc)
	if err != nil {
		return fmt.Errorf("invalid schema document: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(output), &value); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return err
	}
	return nil
}

func (v *Validator) compile(schemaDoc []byte) (*jsonschema.Schema, error) {
	key := string(schemaDoc)
	if schema, ok := v.compiled[key]; ok {
		return schema, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("item_schema.json", strings.NewReader(key)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("item_schema.json")
	if err != nil {
		return nil, err
	}
	v.compiled[key] = schema
	return schema, nil
}
