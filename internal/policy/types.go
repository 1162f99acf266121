// Copyright 2025 James Ross
package policy

import (
	"time"

	"github.com/flyingrobots/pi-extensions/internal/capability"
)

// Decision is the outcome of a capability check.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Prompt Decision = "prompt"
)

// Check is a single capability evaluation request.
type Check struct {
	ExtensionID string
	Capability  capability.Capability
	Scope       capability.Scope
}

// Result carries the decision plus the precedence layer that produced it,
// useful for audit entries and for debugging policy configuration.
type Result struct {
	Decision Decision
	Reason   string
	DecidedAt time.Time
}
