// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/pi-extensions/internal/hostiface"
	"github.com/flyingrobots/pi-extensions/internal/schema"
)

// ToolConnector invokes host-registered tools after validating params
// against the tool's declared input_schema.
type ToolConnector struct {
	Registry hostiface.ToolRegistry
}

func (c *ToolConnector) Methods() []string { return []string{"tool.invoke"} }

type toolInvokeParams struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

func (c *ToolConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	var p toolInvokeParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return Streamed{}, fmt.Errorf("tool.invoke: decode params: %w", err)
	}
	desc, ok := c.Registry.Lookup(p.Name)
	if !ok {
		return Streamed{}, fmt.Errorf("tool.invoke: unknown tool %q", p.Name)
	}
	if err := schema.ValidateTool(desc.InputSchema, p.Params); err != nil {
		return Streamed{}, fmt.Errorf("tool.invoke: %w", err)
	}
	value, err := c.Registry.Invoke(ctx, p.Name, p.Params)
	if err != nil {
		return Streamed{}, err
	}
	return Streamed{Value: value}, nil
}
