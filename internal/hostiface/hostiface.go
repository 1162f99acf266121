// Copyright 2025 James Ross
// Package hostiface declares the narrow contracts this runtime consumes
// from its embedding host. None of these are implemented here — the host
// process wires concrete implementations in before starting the dispatcher.
package hostiface

import (
	"context"
	"encoding/json"
)

// Message is one turn of the session's conversation history.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SessionState is the session metadata visible to extensions: its display
// name/label, the model driving it, and its current thinking level.
type SessionState struct {
	Name          string `json:"name"`
	Label         string `json:"label"`
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinking_level"`
}

// Session is the host's conversation/session state, exposed to extensions
// through the session connector's nine named operations. There is
// deliberately no GetName/GetLabel — those are only visible as part of
// GetState.
type Session interface {
	GetState(ctx context.Context) (SessionState, error)
	GetMessages(ctx context.Context) ([]Message, error)
	AppendMessage(ctx context.Context, msg Message) error
	SetName(ctx context.Context, name string) error
	SetLabel(ctx context.Context, label string) error
	SetModel(ctx context.Context, model string) error
	GetModel(ctx context.Context) (string, error)
	SetThinkingLevel(ctx context.Context, level string) error
	GetThinkingLevel(ctx context.Context) (string, error)
}

// UiChannel lets extensions render UI affordances and prompt the user,
// and backs the policy engine's Prompt resolution.
type UiChannel interface {
	Render(ctx context.Context, extensionID string, payload json.RawMessage) error
	Prompt(ctx context.Context, extensionID, message string) (bool, error)
}

// ToolDescriptor is the host-visible shape of a registered tool, used by
// the tool connector to look up an input_schema before invoking it.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolRegistry is the host's tool catalog. Extensions register tools via
// the Extension Manager; the host owns execution.
type ToolRegistry interface {
	Lookup(name string) (ToolDescriptor, bool)
	Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}
