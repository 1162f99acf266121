// Copyright 2025 James Ross
package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolSchema = `{
	"type": "object",
	"properties": {"path": {"type": "string"}},
	"required": ["path"]
}`

func TestValidateConformingData(t *testing.T) {
	errs, err := Validate(json.RawMessage(toolSchema), json.RawMessage(`{"path":"a.go"}`))
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateReportsViolations(t *testing.T) {
	errs, err := Validate(json.RawMessage(toolSchema), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotEmpty(t, errs)
}

func TestValidateToolEmptySchemaAlwaysPasses(t *testing.T) {
	err := ValidateTool(nil, json.RawMessage(`{"anything":true}`))
	assert.NoError(t, err)
}

func TestValidateToolRejectsNonConformingParams(t *testing.T) {
	err := ValidateTool(json.RawMessage(toolSchema), json.RawMessage(`{"wrong":1}`))
	assert.Error(t, err)
}
