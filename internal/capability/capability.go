// Copyright 2025 James Ross
package capability

import (
	"encoding/json"
	"fmt"
)

// Capability is the closed set of authority classes an extension can hold.
type Capability string

const (
	Read    Capability = "read"
	Write   Capability = "write"
	HTTP    Capability = "http"
	Events  Capability = "events"
	Session Capability = "session"
	UI      Capability = "ui"
	Exec    Capability = "exec"
	Env     Capability = "env"
	Tool    Capability = "tool"
	Log     Capability = "log"
)

// All enumerates the closed capability set, used for validation and
// for rejecting unknown capabilities named in config or manifests.
var All = []Capability{Read, Write, HTTP, Events, Session, UI, Exec, Env, Tool, Log}

// Valid reports whether c belongs to the closed capability set.
func Valid(c Capability) bool {
	for _, k := range All {
		if k == c {
			return true
		}
	}
	return false
}

// Scope is a tagged union narrowing a granted capability: path globs for
// read/write, a host allowlist for http, or an env-name list for env.
// Exactly one field is populated per the capability it scopes.
type Scope struct {
	PathGlobs     []string `json:"path_globs,omitempty"`
	HostAllowlist []string `json:"host_allowlist,omitempty"`
	EnvNames      []string `json:"env_names,omitempty"`
}

// Grant is a capability paired with the scope that narrows it.
type Grant struct {
	Capability Capability `json:"capability"`
	Scope      Scope      `json:"scope,omitempty"`
}

// Manifest is the capability surface an extension declares at registration.
type Manifest struct {
	ExtensionID string  `json:"extension_id"`
	Requested   []Grant `json:"requested"`
}

// ParseCapability validates a raw string against the closed set.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !Valid(c) {
		return "", fmt.Errorf("capability: unknown capability %q", s)
	}
	return c, nil
}

// Derive maps a hostcall (method, params) pair to the capability that must
// be held to invoke it. Methods not in this table derive no capability,
// and the dispatcher rejects them as invalid requests.
//
// tool.invoke is special-cased: the capability it requires depends on
// params.name, not the fixed method string, per DeriveToolCapability.
var deriveTable = map[string]Capability{
	"exec.run":                   Exec,
	"http.fetch":                 HTTP,
	"session.get_state":          Session,
	"session.get_messages":       Session,
	"session.append_message":     Session,
	"session.set_name":           Session,
	"session.set_label":          Session,
	"session.set_model":          Session,
	"session.get_model":          Session,
	"session.set_thinking_level": Session,
	"session.get_thinking_level": Session,
	"ui.render":                  UI,
	"ui.prompt":                  UI,
	"events.emit":                Events,
	"events.subscribe":           Events,
	"events.register":            Events,
	"log.append":                 Log,
	"env.get":                    Env,
	"fs.read":                    Read,
	"fs.write":                   Write,
}

// toolCapabilityByName maps a pi.tool() tool name to the capability it
// actually exercises. Names not listed fall back to the generic Tool
// capability.
var toolCapabilityByName = map[string]Capability{
	"read": Read,
	"grep": Read,
	"find": Read,
	"ls":   Read,

	"write": Write,
	"edit":  Write,

	"bash": Exec,
}

// DeriveToolCapability returns the capability a pi.tool(name, ...) call
// requires, derived authoritatively from the tool name rather than the
// generic "tool.invoke" method string.
func DeriveToolCapability(name string) Capability {
	if c, ok := toolCapabilityByName[name]; ok {
		return c
	}
	return Tool
}

type toolInvokeParams struct {
	Name string `json:"name"`
}

// Derive returns the capability required to invoke method with the given
// raw params, or ok=false if the method is not recognized by any
// connector. For method=tool.invoke, the capability is sub-derived from
// params.name rather than taken from the method string.
func Derive(method string, params json.RawMessage) (Capability, bool) {
	if method == "tool.invoke" {
		var p toolInvokeParams
		_ = json.Unmarshal(params, &p)
		return DeriveToolCapability(p.Name), true
	}
	c, ok := deriveTable[method]
	return c, ok
}
