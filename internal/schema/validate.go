// Copyright 2025 James Ross
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError describes one failed assertion against a JSON Schema.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks data against schemaJSON (a JSON Schema document) and
// returns the list of violations, empty when data conforms.
func Validate(schemaJSON, data json.RawMessage) ([]ValidationError, error) {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("schema: validate: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, ValidationError{Field: e.Field(), Message: e.Description()})
	}
	return errs, nil
}

// ValidateTool is the narrow entry point the tool connector uses to check
// a hostcall's params against the tool's declared input_schema before
// invoking the host's ToolRegistry.
func ValidateTool(inputSchema, params json.RawMessage) error {
	if len(inputSchema) == 0 {
		return nil
	}
	errs, err := Validate(inputSchema, params)
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("schema: %d violation(s), first: %s: %s", len(errs), errs[0].Field, errs[0].Message)
}
