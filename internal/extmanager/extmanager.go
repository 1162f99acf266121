// Copyright 2025 James Ross
// Package extmanager owns the extension registry: every tool, slash
// command, shortcut, flag, event hook, and event provider an extension
// declares at activation, plus event fan-out across registered hooks.
// It implements connector.EventRegistry for the events connector and
// hostiface.ToolRegistry for the tool connector.
package extmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/hostiface"
	"go.uber.org/zap"
)

// defaultHookDeadline bounds a single event hook invocation; one slow or
// hung hook never blocks the rest of the fan-out.
const defaultHookDeadline = 2 * time.Second

// ToolDecl is one tool an extension exposes to the host's tool registry.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SlashCommandDecl is a `/command` an extension contributes to the host UI.
type SlashCommandDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ShortcutDecl is a keybinding an extension wants routed to it.
type ShortcutDecl struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// FlagDecl is a CLI flag an extension contributes to host startup.
type FlagDecl struct {
	Name    string `json:"name"`
	Default string `json:"default,omitempty"`
}

// EventHookDecl subscribes an extension to a host-lifecycle event at
// activation time, equivalent to a subsequent events.subscribe hostcall.
type EventHookDecl struct {
	Event string `json:"event"`
}

// RegisterPayload is the manifest an extension submits on activation,
// declaring everything it contributes to the host surface.
type RegisterPayload struct {
	ExtensionID   string             `json:"extension_id"`
	Tools         []ToolDecl         `json:"tools,omitempty"`
	SlashCommands []SlashCommandDecl `json:"slash_commands,omitempty"`
	Shortcuts     []ShortcutDecl     `json:"shortcuts,omitempty"`
	Flags         []FlagDecl         `json:"flags,omitempty"`
	EventHooks    []EventHookDecl    `json:"event_hooks,omitempty"`
}

// ExtensionRuntime is the narrow slice of the JS runtime the manager needs
// to actually invoke extension-owned code: a tool call or an event hook.
type ExtensionRuntime interface {
	InvokeTool(ctx context.Context, extensionID, toolName string, params json.RawMessage) (json.RawMessage, error)
	DeliverEvent(ctx context.Context, extensionID, event string, payload json.RawMessage) error
}

type provider struct {
	extensionID string
	name        string
	requiredCap capability.Capability
}

// Manager is the single owner of the extension registry. All mutation
// happens through Activate (at load) or the register*/events.* hostcalls
// dispatched through it.
type Manager struct {
	mu sync.RWMutex

	tools         map[string]ToolDecl // name -> decl, first registrant wins
	toolOwner     map[string]string   // name -> extension id
	slashCommands map[string][]SlashCommandDecl
	shortcuts     map[string][]ShortcutDecl
	flags         map[string][]FlagDecl
	providers     map[string]provider            // "extensionID/name" -> provider
	subscribers   map[string][]string            // event -> extension ids, registration order
	runtimes      map[string]ExtensionRuntime     // extension id -> runtime handle

	ledger *audit.Ledger
	logger *zap.Logger
}

// New builds an empty Manager.
func New(ledger *audit.Ledger, logger *zap.Logger) *Manager {
	return &Manager{
		tools:         map[string]ToolDecl{},
		toolOwner:     map[string]string{},
		slashCommands: map[string][]SlashCommandDecl{},
		shortcuts:     map[string][]ShortcutDecl{},
		flags:         map[string][]FlagDecl{},
		providers:     map[string]provider{},
		subscribers:   map[string][]string{},
		runtimes:      map[string]ExtensionRuntime{},
		ledger:        ledger,
		logger:        logger,
	}
}

// Attach binds an activated extension's runtime handle, making its tools
// invocable and its event hooks deliverable.
func (m *Manager) Attach(extensionID string, rt ExtensionRuntime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[extensionID] = rt
}

// Detach removes an extension's runtime handle and every declaration it
// registered, leaving other extensions' registrations untouched.
func (m *Manager) Detach(extensionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runtimes, extensionID)
	delete(m.slashCommands, extensionID)
	delete(m.shortcuts, extensionID)
	delete(m.flags, extensionID)
	for name, owner := range m.toolOwner {
		if owner == extensionID {
			delete(m.tools, name)
			delete(m.toolOwner, name)
		}
	}
	for key, p := range m.providers {
		if p.extensionID == extensionID {
			delete(m.providers, key)
		}
	}
	for event, subs := range m.subscribers {
		m.subscribers[event] = removeString(subs, extensionID)
	}
}

// Activate registers everything an extension's manifest declares.
func (m *Manager) Activate(payload RegisterPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range payload.Tools {
		if _, taken := m.tools[t.Name]; taken {
			return fmt.Errorf("extmanager: tool %q already registered", t.Name)
		}
		m.tools[t.Name] = t
		m.toolOwner[t.Name] = payload.ExtensionID
	}
	m.slashCommands[payload.ExtensionID] = payload.SlashCommands
	m.shortcuts[payload.ExtensionID] = payload.Shortcuts
	m.flags[payload.ExtensionID] = payload.Flags
	for _, h := range payload.EventHooks {
		m.subscribers[h.Event] = appendIfAbsent(m.subscribers[h.Event], payload.ExtensionID)
	}
	return nil
}

// RegisterProvider records that extensionID offers a named capability under
// requiredCap. The events connector's fail-fast-at-registration check has
// already verified the capability is grantable before this is called.
func (m *Manager) RegisterProvider(extensionID, name string, requiredCap capability.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := extensionID + "/" + name
	m.providers[key] = provider{extensionID: extensionID, name: name, requiredCap: requiredCap}
	return nil
}

// Subscribe appends extensionID to event's subscriber list, if not already
// present, preserving registration order.
func (m *Manager) Subscribe(extensionID, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[event] = appendIfAbsent(m.subscribers[event], extensionID)
	return nil
}

// Emit fans payload out to every subscriber of event, in registration
// order, each under its own deadline; one hook's failure is audited and
// does not prevent the rest from running.
func (m *Manager) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	m.mu.RLock()
	subs := append([]string(nil), m.subscribers[event]...)
	runtimes := make(map[string]ExtensionRuntime, len(subs))
	for _, s := range subs {
		if rt, ok := m.runtimes[s]; ok {
			runtimes[s] = rt
		}
	}
	m.mu.RUnlock()

	for _, extensionID := range subs {
		rt, ok := runtimes[extensionID]
		if !ok {
			continue
		}
		hookCtx, cancel := context.WithTimeout(ctx, defaultHookDeadline)
		err := rt.DeliverEvent(hookCtx, extensionID, event, payload)
		cancel()
		if err != nil {
			m.auditHookError(extensionID, event, err)
		}
	}
	return nil
}

func (m *Manager) auditHookError(extensionID, event string, hookErr error) {
	if m.logger != nil {
		m.logger.Warn("event hook failed", zap.String("extension_id", extensionID),
			zap.String("event", event), zap.Error(hookErr))
	}
	if m.ledger == nil {
		return
	}
	_ = m.ledger.Append(audit.Entry{
		Level:  "warn",
		Event:  "extension.hook_error",
		Source: audit.Source{ExtensionID: extensionID, Component: "extmanager"},
		Data:   map[string]interface{}{"hook_event": event, "error": hookErr.Error()},
	})
}

// Lookup implements hostiface.ToolRegistry.
func (m *Manager) Lookup(name string) (hostiface.ToolDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	if !ok {
		return hostiface.ToolDescriptor{}, false
	}
	return hostiface.ToolDescriptor{Name: t.Name, InputSchema: t.InputSchema}, true
}

// Invoke implements hostiface.ToolRegistry, routing to the owning
// extension's runtime handle.
func (m *Manager) Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	owner, ok := m.toolOwner[name]
	var rt ExtensionRuntime
	if ok {
		rt, ok = m.runtimes[owner]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("extmanager: tool %q has no active runtime", name)
	}
	return rt.InvokeTool(ctx, owner, name, params)
}

// SlashCommands returns extensionID's declared slash commands.
func (m *Manager) SlashCommands(extensionID string) []SlashCommandDecl {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slashCommands[extensionID]
}

// Extensions lists the ids of every extension with an attached runtime,
// for admin-surface inspection.
func (m *Manager) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		out = append(out, id)
	}
	return out
}

// Providers lists every registered (extension, capability-scoped) provider.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.providers))
	for k := range m.providers {
		out = append(out, k)
	}
	return out
}

func appendIfAbsent(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}
