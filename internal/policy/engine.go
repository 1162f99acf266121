// Copyright 2025 James Ross
package policy

import (
	"sync"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/capability"
	"github.com/flyingrobots/pi-extensions/internal/config"
	"github.com/flyingrobots/pi-extensions/internal/permissionstore"
	"go.uber.org/zap"
)

// promptCoalesceWindow is how long an in-flight prompt for the same
// (extension, capability, scope fingerprint) suppresses a duplicate prompt.
const promptCoalesceWindow = 250 * time.Millisecond

// PromptAnswer is the user's resolution of a capability prompt. Only the
// *_always variants persist to the permission store; *_once applies to the
// current check alone and must be asked again next time.
type PromptAnswer string

const (
	AllowOnce   PromptAnswer = "allow_once"
	AllowAlways PromptAnswer = "allow_always"
	DenyOnce    PromptAnswer = "deny_once"
	DenyAlways  PromptAnswer = "deny_always"
)

func (a PromptAnswer) allowed() bool {
	return a == AllowOnce || a == AllowAlways
}

func (a PromptAnswer) persists() bool {
	return a == AllowAlways || a == DenyAlways
}

// Prompter asks the host-side UI to resolve a Prompt decision. Implemented
// outside this package (the UiChannel hostiface contract); nil means the
// engine must resolve Prompt as Deny.
type Prompter func(check Check) PromptAnswer

type pendingPrompt struct {
	at     time.Time
	result chan PromptAnswer
}

// Engine implements the five-layer capability decision procedure:
// per-extension deny > global deny_caps > per-extension allow >
// global default_caps > mode fallback.
type Engine struct {
	mu       sync.RWMutex
	cfg      config.PolicyConfig
	store    *permissionstore.Store
	prompter Prompter
	logger   *zap.Logger

	pendingMu sync.Mutex
	pending   map[string]*pendingPrompt
}

// New builds a policy engine bound to the given config and persistence store.
func New(cfg config.PolicyConfig, store *permissionstore.Store, prompter Prompter, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		prompter: prompter,
		logger:   logger,
		pending:  map[string]*pendingPrompt{},
	}
}

// UpdateConfig swaps the live policy configuration (e.g. on SIGHUP reload).
func (e *Engine) UpdateConfig(cfg config.PolicyConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func contains(set []string, v capability.Capability) bool {
	for _, s := range set {
		if capability.Capability(s) == v {
			return true
		}
	}
	return false
}

// Decide runs the five-layer precedence and, if the outcome is Prompt,
// resolves it synchronously (coalescing concurrent identical prompts).
func (e *Engine) Decide(check Check) Result {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	override, hasOverride := cfg.PerExtension[check.ExtensionID]

	// Layer 1: per-extension deny.
	if hasOverride && contains(override.DenyCaps, check.Capability) {
		return deny("per_extension.deny_caps")
	}
	// Layer 2: global deny_caps.
	if contains(cfg.DenyCaps, check.Capability) {
		return deny("global.deny_caps")
	}
	// Layer 3: per-extension allow.
	if hasOverride && contains(override.AllowCaps, check.Capability) {
		return allow("per_extension.allow_caps")
	}
	// Layer 4: global default_caps.
	if contains(cfg.DefaultCaps, check.Capability) {
		return allow("global.default_caps")
	}
	// Layer 5: mode fallback, unconditional. Strict always denies and never
	// consults a prompter; Permissive always allows; Prompt always asks.
	switch cfg.Mode {
	case config.ModePermissive:
		return allow("mode.permissive")
	case config.ModePrompt:
		return e.resolvePrompt(check)
	default: // Strict, or an unrecognized mode — fail closed
		return deny("mode.strict")
	}
}

func allow(reason string) Result { return Result{Decision: Allow, Reason: reason, DecidedAt: time.Now()} }
func deny(reason string) Result  { return Result{Decision: Deny, Reason: reason, DecidedAt: time.Now()} }

func (e *Engine) resolvePrompt(check Check) Result {
	if e.store != nil {
		if g, ok := e.store.Lookup(check.ExtensionID, check.Capability); ok {
			if g.Allowed {
				if CheckScope(check.Capability, g.Scope, check.Scope) {
					return allow("permission_store.cached_allow")
				}
				// Granted scope doesn't cover this request; re-prompt rather
				// than silently widening a previously narrower grant.
			} else {
				return deny("permission_store.cached_deny")
			}
		}
	}
	if e.prompter == nil {
		return deny("prompt.no_prompter")
	}

	fp := check.ExtensionID + "|" + string(check.Capability) + "|" + fingerprint(check.Scope)

	e.pendingMu.Lock()
	if p, ok := e.pending[fp]; ok && time.Since(p.at) < promptCoalesceWindow {
		e.pendingMu.Unlock()
		answer := <-p.result
		p.result <- answer // hand the answer on to the next coalesced waiter
		if answer.allowed() {
			return allow("prompt.coalesced_" + string(answer))
		}
		return deny("prompt.coalesced_" + string(answer))
	}
	p := &pendingPrompt{at: time.Now(), result: make(chan PromptAnswer, 1)}
	e.pending[fp] = p
	e.pendingMu.Unlock()

	answer := e.prompter(check)

	e.pendingMu.Lock()
	delete(e.pending, fp)
	e.pendingMu.Unlock()
	p.result <- answer

	if answer.persists() && e.store != nil {
		_ = e.store.Record(permissionstore.Grant{
			ExtensionID: check.ExtensionID,
			Capability:  check.Capability,
			Scope:       check.Scope,
			Allowed:     answer.allowed(),
		})
	}
	if answer.allowed() {
		return allow("prompt." + string(answer))
	}
	return deny("prompt." + string(answer))
}

func fingerprint(s capability.Scope) string {
	out := ""
	for _, p := range s.PathGlobs {
		out += "p:" + p + ";"
	}
	for _, h := range s.HostAllowlist {
		out += "h:" + h + ";"
	}
	for _, n := range s.EnvNames {
		out += "e:" + n + ";"
	}
	return out
}

// CheckScope additionally verifies that a granted capability's scope
// covers the requested scope, used once a capability is known to be held
// (e.g. via a prior Allow) but the specific request narrows it further.
func CheckScope(cap capability.Capability, granted, requested capability.Scope) bool {
	return scopeSatisfied(cap, granted, requested)
}
