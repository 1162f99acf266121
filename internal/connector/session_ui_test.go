// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flyingrobots/pi-extensions/internal/hostiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	state    hostiface.SessionState
	messages []hostiface.Message
}

func (s *stubSession) GetState(ctx context.Context) (hostiface.SessionState, error) { return s.state, nil }

func (s *stubSession) GetMessages(ctx context.Context) ([]hostiface.Message, error) {
	return s.messages, nil
}

func (s *stubSession) AppendMessage(ctx context.Context, msg hostiface.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubSession) SetName(ctx context.Context, name string) error {
	s.state.Name = name
	return nil
}

func (s *stubSession) SetLabel(ctx context.Context, label string) error {
	s.state.Label = label
	return nil
}

func (s *stubSession) SetModel(ctx context.Context, model string) error {
	s.state.Model = model
	return nil
}

func (s *stubSession) GetModel(ctx context.Context) (string, error) { return s.state.Model, nil }

func (s *stubSession) SetThinkingLevel(ctx context.Context, level string) error {
	s.state.ThinkingLevel = level
	return nil
}

func (s *stubSession) GetThinkingLevel(ctx context.Context) (string, error) {
	return s.state.ThinkingLevel, nil
}

func TestSessionConnectorAppendAndGetMessages(t *testing.T) {
	sess := &stubSession{}
	c := &SessionConnector{Session: sess}

	appendParams, _ := json.Marshal(sessionAppendMessageParams{Role: "user", Content: json.RawMessage(`"hi"`)})
	_, err := c.Invoke(context.Background(), Invocation{Method: "session.append_message", Params: appendParams})
	require.NoError(t, err)

	streamed, err := c.Invoke(context.Background(), Invocation{Method: "session.get_messages"})
	require.NoError(t, err)
	assert.Contains(t, string(streamed.Value), `"role":"user"`)
}

func TestSessionConnectorSetAndGetModel(t *testing.T) {
	sess := &stubSession{}
	c := &SessionConnector{Session: sess}

	setParams, _ := json.Marshal(sessionSetModelParams{Model: "claude"})
	_, err := c.Invoke(context.Background(), Invocation{Method: "session.set_model", Params: setParams})
	require.NoError(t, err)

	streamed, err := c.Invoke(context.Background(), Invocation{Method: "session.get_model"})
	require.NoError(t, err)
	assert.Contains(t, string(streamed.Value), `"model":"claude"`)
}

func TestSessionConnectorGetState(t *testing.T) {
	sess := &stubSession{state: hostiface.SessionState{Name: "n", Label: "l", Model: "m", ThinkingLevel: "high"}}
	c := &SessionConnector{Session: sess}

	streamed, err := c.Invoke(context.Background(), Invocation{Method: "session.get_state"})
	require.NoError(t, err)
	assert.Contains(t, string(streamed.Value), `"name":"n"`)
	assert.Contains(t, string(streamed.Value), `"thinking_level":"high"`)
}

type stubUI struct {
	rendered []json.RawMessage
	answer   bool
}

func (s *stubUI) Render(ctx context.Context, extensionID string, payload json.RawMessage) error {
	s.rendered = append(s.rendered, payload)
	return nil
}

func (s *stubUI) Prompt(ctx context.Context, extensionID, message string) (bool, error) {
	return s.answer, nil
}

func TestUIConnectorRenderAndPrompt(t *testing.T) {
	ui := &stubUI{answer: true}
	c := &UIConnector{UI: ui}

	_, err := c.Invoke(context.Background(), Invocation{Method: "ui.render", ExtensionID: "ext-1", Params: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Len(t, ui.rendered, 1)

	promptParams, _ := json.Marshal(uiPromptParams{Message: "proceed?"})
	streamed, err := c.Invoke(context.Background(), Invocation{Method: "ui.prompt", Params: promptParams})
	require.NoError(t, err)
	assert.Contains(t, string(streamed.Value), "true")
}
