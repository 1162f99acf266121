// Copyright 2025 James Ross
// Package connector implements the seven typed hostcall connectors: tool,
// exec, http, session, ui, events, log. Each mediates a narrow slice of
// host authority behind the capability the dispatcher already verified.
package connector

import (
	"context"
	"encoding/json"

	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/hostcall"
)

// Invocation is everything a connector needs to service one hostcall,
// already capability-checked by the dispatcher.
type Invocation struct {
	ExtensionID string
	CallID      string
	Method      string
	Params      json.RawMessage
	Scope       capability.Scope
}

// Streamed is returned by connectors capable of chunked delivery; Chunks
// is closed after the entry with IsLast=true.
type Streamed struct {
	Value  json.RawMessage
	Chunks <-chan hostcall.Chunk
}

// Connector services one or more dot-qualified hostcall methods.
type Connector interface {
	// Methods lists the `pi.*` method names this connector handles.
	Methods() []string
	// Invoke executes the call and returns its result (Chunks nil for
	// non-streaming methods).
	Invoke(ctx context.Context, inv Invocation) (Streamed, error)
}

// Registry maps method name to the connector responsible for it.
type Registry struct {
	byMethod map[string]Connector
}

// NewRegistry builds a Registry from the given connectors, indexed by
// each of their declared Methods().
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byMethod: map[string]Connector{}}
	for _, c := range connectors {
		for _, m := range c.Methods() {
			r.byMethod[m] = c
		}
	}
	return r
}

// Lookup returns the connector registered for method, if any.
func (r *Registry) Lookup(method string) (Connector, bool) {
	c, ok := r.byMethod[method]
	return c, ok
}
