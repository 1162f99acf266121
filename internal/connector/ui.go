// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/pi-extensions/internal/hostiface"
)

// UIConnector delegates to the host-owned UiChannel contract. Extensions
// never draw pixels themselves; they describe intent and the host renders.
type UIConnector struct {
	UI hostiface.UiChannel
}

func (c *UIConnector) Methods() []string { return []string{"ui.render", "ui.prompt"} }

type uiPromptParams struct {
	Message string `json:"message"`
}

func (c *UIConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	switch inv.Method {
	case "ui.render":
		if err := c.UI.Render(ctx, inv.ExtensionID, inv.Params); err != nil {
			return Streamed{}, err
		}
		return Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
	case "ui.prompt":
		var p uiPromptParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("ui.prompt: decode params: %w", err)
		}
		answered, err := c.UI.Prompt(ctx, inv.ExtensionID, p.Message)
		if err != nil {
			return Streamed{}, err
		}
		value, _ := json.Marshal(map[string]bool{"answered": answered})
		return Streamed{Value: value}, nil
	default:
		return Streamed{}, fmt.Errorf("ui: unknown method %q", inv.Method)
	}
}
