// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/pi-extensions/internal/hostiface"
)

// SessionConnector delegates to the host-owned Session contract. This
// runtime does not persist session state itself.
type SessionConnector struct {
	Session hostiface.Session
}

func (c *SessionConnector) Methods() []string {
	return []string{
		"session.get_state",
		"session.get_messages",
		"session.append_message",
		"session.set_name",
		"session.set_label",
		"session.set_model",
		"session.get_model",
		"session.set_thinking_level",
		"session.get_thinking_level",
	}
}

type sessionAppendMessageParams struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type sessionSetNameParams struct {
	Name string `json:"name"`
}

type sessionSetLabelParams struct {
	Label string `json:"label"`
}

type sessionSetModelParams struct {
	Model string `json:"model"`
}

type sessionSetThinkingLevelParams struct {
	Level string `json:"level"`
}

func ok() Streamed { return Streamed{Value: json.RawMessage(`{"ok":true}`)} }

func (c *SessionConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	switch inv.Method {
	case "session.get_state":
		state, err := c.Session.GetState(ctx)
		if err != nil {
			return Streamed{}, err
		}
		value, _ := json.Marshal(state)
		return Streamed{Value: value}, nil

	case "session.get_messages":
		msgs, err := c.Session.GetMessages(ctx)
		if err != nil {
			return Streamed{}, err
		}
		value, _ := json.Marshal(msgs)
		return Streamed{Value: value}, nil

	case "session.append_message":
		var p sessionAppendMessageParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("session.append_message: decode params: %w", err)
		}
		if err := c.Session.AppendMessage(ctx, hostiface.Message{Role: p.Role, Content: p.Content}); err != nil {
			return Streamed{}, err
		}
		return ok(), nil

	case "session.set_name":
		var p sessionSetNameParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("session.set_name: decode params: %w", err)
		}
		if err := c.Session.SetName(ctx, p.Name); err != nil {
			return Streamed{}, err
		}
		return ok(), nil

	case "session.set_label":
		var p sessionSetLabelParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("session.set_label: decode params: %w", err)
		}
		if err := c.Session.SetLabel(ctx, p.Label); err != nil {
			return Streamed{}, err
		}
		return ok(), nil

	case "session.set_model":
		var p sessionSetModelParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("session.set_model: decode params: %w", err)
		}
		if err := c.Session.SetModel(ctx, p.Model); err != nil {
			return Streamed{}, err
		}
		return ok(), nil

	case "session.get_model":
		model, err := c.Session.GetModel(ctx)
		if err != nil {
			return Streamed{}, err
		}
		value, _ := json.Marshal(map[string]string{"model": model})
		return Streamed{Value: value}, nil

	case "session.set_thinking_level":
		var p sessionSetThinkingLevelParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("session.set_thinking_level: decode params: %w", err)
		}
		if err := c.Session.SetThinkingLevel(ctx, p.Level); err != nil {
			return Streamed{}, err
		}
		return ok(), nil

	case "session.get_thinking_level":
		level, err := c.Session.GetThinkingLevel(ctx)
		if err != nil {
			return Streamed{}, err
		}
		value, _ := json.Marshal(map[string]string{"thinking_level": level})
		return Streamed{Value: value}, nil

	default:
		return Streamed{}, fmt.Errorf("session: unknown method %q", inv.Method)
	}
}
