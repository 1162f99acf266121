// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/policy"
)

// EventRegistry is the narrow slice of the Extension Manager the events
// connector needs: provider registration (capability-checked eagerly,
// per spec's fail-fast-at-registration decision) and event fan-out.
type EventRegistry interface {
	RegisterProvider(extensionID string, name string, requiredCap capability.Capability) error
	Emit(ctx context.Context, event string, payload json.RawMessage) error
	Subscribe(extensionID, event string) error
}

// EventsConnector mutates the Extension Manager's registry: registering
// providers, emitting events, and subscribing to event hooks.
type EventsConnector struct {
	Registry EventRegistry
	Policy   *policy.Engine
}

func (c *EventsConnector) Methods() []string {
	return []string{"events.emit", "events.subscribe", "events.register"}
}

type eventsRegisterParams struct {
	Name            string `json:"name"`
	RequiredCapability string `json:"required_capability"`
}

type eventsEmitParams struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type eventsSubscribeParams struct {
	Event string `json:"event"`
}

func (c *EventsConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	switch inv.Method {
	case "events.register":
		var p eventsRegisterParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("events.register: decode params: %w", err)
		}
		cap, err := capability.ParseCapability(p.RequiredCapability)
		if err != nil {
			return Streamed{}, fmt.Errorf("events.register: %w", err)
		}
		// Fail-fast-at-registration: a provider whose declared capability
		// isn't grantable under the current policy is rejected now rather
		// than deferred to first use.
		decision := c.Policy.Decide(policy.Check{ExtensionID: inv.ExtensionID, Capability: cap})
		if decision.Decision == policy.Deny {
			return Streamed{}, fmt.Errorf("events.register: capability %s not grantable (%s)", cap, decision.Reason)
		}
		if err := c.Registry.RegisterProvider(inv.ExtensionID, p.Name, cap); err != nil {
			return Streamed{}, err
		}
		return Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
	case "events.emit":
		var p eventsEmitParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("events.emit: decode params: %w", err)
		}
		if err := c.Registry.Emit(ctx, p.Event, p.Payload); err != nil {
			return Streamed{}, err
		}
		return Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
	case "events.subscribe":
		var p eventsSubscribeParams
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return Streamed{}, fmt.Errorf("events.subscribe: decode params: %w", err)
		}
		if err := c.Registry.Subscribe(inv.ExtensionID, p.Event); err != nil {
			return Streamed{}, err
		}
		return Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
	default:
		return Streamed{}, fmt.Errorf("events: unknown method %q", inv.Method)
	}
}
